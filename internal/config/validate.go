package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "number": {"type": ["number", "string"]},
    "riskParam": {
      "anyOf": [
        {"$ref": "#/definitions/number"},
        {"type": "object", "additionalProperties": {"$ref": "#/definitions/number"}}
      ]
    },
    "riskParams": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_position_per_symbol": {"$ref": "#/definitions/riskParam"},
        "max_capital_per_order_ratio": {"$ref": "#/definitions/riskParam"},
        "min_order_value": {"$ref": "#/definitions/riskParam"},
        "max_drawdown_absolute": {"$ref": "#/definitions/riskParam"},
        "max_drawdown_percent": {"$ref": "#/definitions/riskParam"}
      }
    }
  },
  "properties": {
    "storage": {
      "type": "object",
      "properties": {
        "data_dir": {"type": "string"},
        "sqlite_path": {"type": "string"}
      }
    },
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "grpc_port": {"type": "integer", "minimum": 0, "maximum": 65535}
      }
    },
    "alpaca": {
      "type": "object",
      "properties": {
        "api_key": {"type": "string"},
        "api_secret": {"type": "string"},
        "base_url": {"type": "string"},
        "data_url": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["json", "text"]},
        "file": {"type": "string"},
        "max_size_mb": {"type": "integer", "minimum": 0},
        "max_backups": {"type": "integer", "minimum": 0},
        "max_age_days": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"}
      }
    },
    "trading": {
      "type": "object",
      "properties": {
        "paper_mode": {"type": "boolean"},
        "market": {"type": "string"},
        "fee_rate": {"$ref": "#/definitions/number"},
        "initial_capital": {"$ref": "#/definitions/number"},
        "quote_currency": {"type": "string"},
        "max_bar_age": {"type": ["string", "integer"]}
      }
    },
    "backtest": {
      "type": "object",
      "properties": {
        "start": {"type": "string"},
        "end": {"type": "string"},
        "equity_file": {"type": "string"}
      }
    },
    "gather": {
      "type": "object",
      "properties": {
        "start_date": {"type": "string"},
        "batch_size": {"type": "integer", "minimum": 1},
        "max_workers": {"type": "integer", "minimum": 1},
        "rate_limit_per_min": {"type": "integer", "minimum": 1}
      }
    },
    "risk_management": {"$ref": "#/definitions/riskParams"},
    "strategies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type", "symbols"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "symbols": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "params": {"type": "object"},
          "risk_params": {"$ref": "#/definitions/riskParams"}
        }
      }
    }
  }
}`

var configSchema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// validateSchema checks the raw YAML document against the config schema.
// The document goes through JSON first so the validator sees JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := configSchema.Validate(v); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
