package cmdplanner

const planResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "type": { "type": "string", "enum": ["analyze", "modify", "verify"] },
          "tool": { "type": "string", "minLength": 1 },
          "input": {},
          "mutates": { "type": "boolean" },
          "_deepCorrection": { "type": "object" }
        },
        "required": ["id", "type", "tool"]
      }
    }
  },
  "required": ["steps"]
}`

const proposeResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "path": { "type": "string", "minLength": 1 },
          "type": { "type": "string", "enum": ["create", "update", "delete"] },
          "content": { "type": "string" },
          "oldContentHash": { "type": "string" }
        },
        "required": ["path", "type"]
      }
    }
  },
  "required": ["changes"]
}`
