// Package docs registers the OpenAPI document served by the swagger build.
// Regenerate with `swag init -g cmd/lmbridged/docs.go -o internal/httpapi/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/models": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/v1/initialize": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["lifecycle"],
                "summary": "Initialize a model",
                "parameters": [
                    {"description": "model and sampling overrides", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.InitializeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InitializeResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "507": {"description": "Insufficient Storage", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/generate": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["generate"],
                "summary": "Generate text",
                "parameters": [
                    {"description": "prompt and optional base64 image", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerateResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/generate/stream": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["generate"],
                "summary": "Stream a generation",
                "parameters": [
                    {"description": "prompt and optional base64 image", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StreamEvent"}}
                }
            }
        },
        "/v1/generate/async": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["generate"],
                "summary": "Start a generation delivered on /v1/stream",
                "parameters": [
                    {"description": "prompt and optional base64 image", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.AcceptedResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/v1/stream": {
            "get": {
                "produces": ["application/x-ndjson"],
                "tags": ["generate"],
                "summary": "Attach the streaming side channel",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StreamEvent"}}
                }
            }
        },
        "/v1/dispose": {
            "post": {
                "produces": ["application/json"],
                "tags": ["lifecycle"],
                "summary": "Dispose the model",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.AcceptedResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.AcceptedResponse": {
            "type": "object",
            "properties": {
                "accepted": {"type": "boolean", "example": true},
                "ok": {"type": "boolean", "example": true}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "Prompt is required"},
                "error_code": {"type": "string", "example": "INVALID_ARGUMENT"},
                "kind": {"type": "string", "example": "invalid_argument"},
                "reason": {"type": "string", "example": "not_found"}
            }
        },
        "types.GenerateRequest": {
            "type": "object",
            "properties": {
                "image_data": {"type": "string", "format": "base64"},
                "prompt": {"type": "string", "example": "Describe this picture in one sentence."}
            }
        },
        "types.GenerateResponse": {
            "type": "object",
            "properties": {
                "text": {"type": "string", "example": "A cat sleeping on a windowsill."}
            }
        },
        "types.InitializeRequest": {
            "type": "object",
            "properties": {
                "max_tokens": {"type": "integer", "example": 1000},
                "model": {"type": "string", "example": "gemma-3n-e2b-q4.gguf"},
                "model_path": {"type": "string", "example": "/home/user/models/gemma-3n-e2b-q4.gguf"},
                "random_seed": {"type": "integer", "example": 101},
                "temperature": {"type": "number", "example": 0.8},
                "top_k": {"type": "integer", "example": 64}
            }
        },
        "types.InitializeResponse": {
            "type": "object",
            "properties": {
                "backend": {"type": "string", "example": "llama-server"},
                "handle_id": {"type": "string"},
                "ok": {"type": "boolean", "example": true},
                "sampling": {"$ref": "#/definitions/types.SamplingDefaults"},
                "vision": {"type": "boolean", "example": false}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "format": {"type": "string", "example": "gguf"},
                "id": {"type": "string", "example": "gemma-3n-e2b-q4.gguf"},
                "name": {"type": "string", "example": "gemma-3n-e2b-q4"},
                "path": {"type": "string"},
                "size_bytes": {"type": "integer"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.SamplingDefaults": {
            "type": "object",
            "properties": {
                "max_tokens": {"type": "integer", "example": 1000},
                "random_seed": {"type": "integer", "example": 101},
                "temperature": {"type": "number", "example": 0.8},
                "top_k": {"type": "integer", "example": 64}
            }
        },
        "types.StreamError": {
            "type": "object",
            "properties": {
                "code": {"type": "string", "example": "INFERENCE_ERROR"},
                "kind": {"type": "string", "example": "inference"},
                "message": {"type": "string"}
            }
        },
        "types.StreamEvent": {
            "type": "object",
            "properties": {
                "done": {"type": "boolean"},
                "error": {"$ref": "#/definitions/types.StreamError"},
                "partial": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "lmbridge API",
	Description:      "HTTP bridge to a locally loaded LLM: initialize, generate, stream and dispose.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
