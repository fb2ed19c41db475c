// Package docs registers the OpenAPI description served under /swagger.
// Regenerate with: swag init -g cmd/api/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "post": {
                "description": "Creates a queued job. Re-submitting the same id with the same input is a no-op (200); a different input under an existing id is rejected (409).",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Enqueue an extraction job",
                "parameters": [
                    {"description": "job (payload is base64, optional with input_ref)", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.createJobDTO"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/status": {
            "get": {
                "description": "Answers for every id. Ids without a job fall back to their latest progress event; ids with neither report not_found.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Status of one or more jobs",
                "parameters": [
                    {"type": "string", "description": "comma separated job ids", "name": "ids", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/service.JobStatus"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "string", "description": "job id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/fingerprints/check": {
            "post": {
                "description": "Partitions fingerprints into duplicates, upgrades and unseen. At most 500 per request.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["fingerprints"],
                "summary": "Batch dedup check",
                "parameters": [
                    {"description": "fingerprints", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.checkFingerprintsDTO"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/fingerprint.Partition"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/results/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["results"],
                "summary": "Get a canonical result",
                "parameters": [
                    {"type": "string", "description": "result id (result_ref of a completed job)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entity.Result"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/shepherd/run": {
            "post": {
                "produces": ["application/json"],
                "tags": ["shepherd"],
                "summary": "Trigger one shepherd pass",
                "parameters": [
                    {"type": "string", "description": "Bearer admin token", "name": "Authorization", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/shepherd.Report"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/shepherd/state": {
            "get": {
                "produces": ["application/json"],
                "tags": ["shepherd"],
                "summary": "Breaker state",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entity.ShepherdState"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.Result": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "fingerprint": {"type": "string"},
                "fields": {"type": "object"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "entity.ShepherdState": {
            "type": "object",
            "properties": {
                "consecutive_failures": {"type": "integer"},
                "breaker_tripped_until": {"type": "string"},
                "last_failure_reason": {"type": "string"},
                "last_run_at": {"type": "string"}
            }
        },
        "fingerprint.Partition": {
            "type": "object",
            "properties": {
                "duplicates": {"type": "array", "items": {"type": "string"}},
                "upgrades": {"type": "array", "items": {"type": "string"}},
                "unseen": {"type": "array", "items": {"type": "string"}}
            }
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "httptransport.checkFingerprintsDTO": {
            "type": "object",
            "properties": {
                "fingerprints": {"type": "array", "items": {"type": "string"}}
            }
        },
        "httptransport.createJobDTO": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "input_ref": {"type": "string"},
                "fingerprint": {"type": "string"},
                "force_reanalysis": {"type": "boolean"},
                "payload": {"type": "string", "format": "base64"}
            }
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string", "enum": ["queued", "processing", "completed", "failed"]},
                "input_ref": {"type": "string"},
                "fingerprint": {"type": "string"},
                "force_reanalysis": {"type": "boolean"},
                "retry_count": {"type": "integer"},
                "stage": {"type": "string", "enum": ["", "extracted", "mapped", "persisted"]},
                "result_ref": {"type": "string"},
                "error": {"type": "string"},
                "duplicate": {"type": "boolean"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"},
                "completed_at": {"type": "string"}
            }
        },
        "service.JobStatus": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string", "enum": ["queued", "processing", "completed", "failed", "not_found"]},
                "retry_count": {"type": "integer"},
                "stage": {"type": "string"},
                "error": {"type": "string"},
                "result_ref": {"type": "string"}
            }
        },
        "shepherd.Report": {
            "type": "object",
            "properties": {
                "skipped": {"type": "boolean"},
                "leased": {"type": "integer"},
                "dispatch_failed": {"type": "integer"},
                "purged": {"type": "integer"},
                "stale": {"type": "integer"},
                "requeued": {"type": "integer"},
                "failed": {"type": "integer"},
                "raced": {"type": "integer"},
                "tripped": {"type": "boolean"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Readings Service API",
	Description:      "Enqueue meter images for reading extraction, query job status and dedup fingerprints.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
