package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SMA Risk Analytics API",
        "description": "Student and class risk scoring over academic, attendance, financial, engagement and behavioural signals",
        "version": "0.1.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Risk", "description": "Risk records, rosters and batch recomputes"}
    ],
    "paths": {
        "/risk/subjects/{subjectType}/{subjectId}": {
            "get": {
                "tags": ["Risk"],
                "summary": "Risk record of one subject",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "subjectType", "in": "path", "required": true, "type": "string", "enum": ["ENROLLMENT", "GROUP"]},
                    {"name": "subjectId", "in": "path", "required": true, "type": "string"},
                    {"name": "analysis_type", "in": "query", "type": "string", "enum": ["risk_prediction", "progress", "performance", "attendance"]},
                    {"name": "period", "in": "query", "type": "string", "description": "Lookback window such as 30d, 2w, 3m, 1y"},
                    {"name": "refresh", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Subject not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/risk/roster": {
            "get": {
                "tags": ["Risk"],
                "summary": "Subjects at or above a risk level",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "subject_type", "in": "query", "type": "string"},
                    {"name": "analysis_type", "in": "query", "type": "string"},
                    {"name": "period", "in": "query", "type": "string"},
                    {"name": "min_level", "in": "query", "type": "string", "enum": ["none", "low", "medium", "high", "critical"]},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/risk/batches": {
            "post": {
                "tags": ["Risk"],
                "summary": "Queue a recompute of every active subject",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RecomputeRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Queue unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/risk/batches/{id}": {
            "get": {
                "tags": ["Risk"],
                "summary": "Status of a queued recompute",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown job", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/risk/system": {
            "get": {
                "tags": ["Risk"],
                "summary": "Instrumentation snapshot",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "AnalyticRecord": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "subject_type": {"type": "string"},
                "subject_id": {"type": "string"},
                "analysis_type": {"type": "string"},
                "period": {"type": "string"},
                "score": {"type": "number"},
                "rate": {"type": "number"},
                "risk_level": {"type": "string"},
                "total_events": {"type": "integer"},
                "completed_events": {"type": "integer"},
                "component_scores": {"type": "object"},
                "degraded_dimensions": {"type": "array", "items": {"type": "string"}},
                "triggers": {"type": "array", "items": {"type": "string"}},
                "recommendations": {"type": "array", "items": {"type": "string"}},
                "trends": {"type": "object"},
                "patterns": {"type": "object"},
                "comparisons": {"type": "object"},
                "calculated_at": {"type": "string"},
                "created_at": {"type": "string"}
            }
        },
        "RecomputeRequest": {
            "type": "object",
            "required": ["subject_type", "analysis_type", "period"],
            "properties": {
                "subject_type": {"type": "string"},
                "analysis_type": {"type": "string"},
                "period": {"type": "string"},
                "term_id": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
