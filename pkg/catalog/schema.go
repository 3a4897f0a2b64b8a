package catalog

// documentSchema constrains the shape of catalog files before they are decoded.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "experiments": {"type": "array", "items": {"$ref": "#/definitions/experiment"}},
    "applications": {"type": "array", "items": {"$ref": "#/definitions/application"}},
    "hosts": {"type": "array", "items": {"$ref": "#/definitions/host"}},
    "storages": {"type": "array", "items": {"$ref": "#/definitions/storage"}}
  },
  "definitions": {
    "stringMap": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}},
    "io": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"enum": ["string", "file", "uri"]},
        "flag": {"type": "string"},
        "required": {"type": "boolean"},
        "default": {"type": "string"}
      }
    },
    "application": {
      "type": "object",
      "required": ["id", "executable"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "executable": {"type": "string", "minLength": 1},
        "arguments": {"type": "array", "items": {"type": "string"}},
        "environment": {"$ref": "#/definitions/stringMap"},
        "inputs": {"type": "array", "items": {"$ref": "#/definitions/io"}},
        "outputs": {"type": "array", "items": {"$ref": "#/definitions/io"}}
      }
    },
    "host": {
      "type": "object",
      "required": ["id", "type", "scratch_dir"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["local", "batch", "cloud"]},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "scratch_dir": {"type": "string", "minLength": 1},
        "environment": {"$ref": "#/definitions/stringMap"},
        "properties": {"$ref": "#/definitions/stringMap"}
      }
    },
    "storage": {
      "type": "object",
      "required": ["id", "protocol"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "protocol": {"type": "string", "minLength": 1},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "properties": {"$ref": "#/definitions/stringMap"}
      }
    },
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "kind": {"enum": ["workflow_input", "application", "workflow_output"]},
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 0},
            "timeout": {"type": ["string", "integer"]},
            "concurrency": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "experiment": {
      "type": "object",
      "required": ["id", "gateway_id", "storage_id", "workflow"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "gateway_id": {"type": "string", "minLength": 1},
        "storage_id": {"type": "string", "minLength": 1},
        "workflow": {
          "type": "object",
          "required": ["name", "nodes"],
          "properties": {
            "name": {"type": "string"},
            "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}},
            "links": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["from", "to"],
                "properties": {
                  "from": {"type": "string", "pattern": "^[^:]+:.+$"},
                  "to": {"type": "string", "pattern": "^[^:]+:.+$"}
                }
              }
            }
          }
        }
      }
    }
  }
}`
