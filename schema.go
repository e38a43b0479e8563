package ivxp

import (
	"github.com/xeipuuv/gojsonschema"
)

// Wire schemas for the payloads a peer may hand us. Validation failures are
// reported as issue counts only; the offending document is never echoed.

const quoteResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["protocol", "message_type", "order_id", "quote", "provider_agent"],
  "properties": {
    "protocol": {"type": "string", "enum": ["IVXP/1.0"]},
    "message_type": {"type": "string", "enum": ["service_quote"]},
    "timestamp": {"type": "string"},
    "order_id": {"type": "string", "minLength": 1},
    "service_type": {"type": "string"},
    "provider_agent": {
      "type": "object",
      "required": ["name", "wallet_address"],
      "properties": {
        "name": {"type": "string"},
        "wallet_address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
      }
    },
    "quote": {
      "type": "object",
      "required": ["price_usdc", "payment_address", "network"],
      "properties": {
        "price_usdc": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
        "estimated_delivery": {"type": "string"},
        "payment_address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "network": {"type": "string", "minLength": 1},
        "token_contract": {"type": "string"},
        "expires_at": {"type": "string"}
      }
    },
    "terms": {"type": "object"}
  }
}`

const statusResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id", "status"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["quoted", "paid", "processing", "delivered", "delivery_failed", "confirmed"]},
    "service_type": {"type": "string"},
    "price_usdc": {"type": "string"},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "tx_hash": {"type": "string"},
    "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

const downloadResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["protocol", "message_type", "order_id", "status", "deliverable"],
  "properties": {
    "protocol": {"type": "string", "enum": ["IVXP/1.0"]},
    "message_type": {"type": "string", "enum": ["deliverable_download"]},
    "timestamp": {"type": "string"},
    "order_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["delivered", "delivery_failed", "confirmed"]},
    "provider_agent": {
      "type": "object",
      "required": ["name", "wallet_address"],
      "properties": {
        "name": {"type": "string"},
        "wallet_address": {"type": "string"}
      }
    },
    "deliverable": {
      "type": "object",
      "required": ["type", "content"],
      "properties": {
        "type": {"type": "string"},
        "format": {"type": "string"},
        "content": {"type": "string"},
        "content_encoding": {"type": "string", "enum": ["base64"]}
      }
    },
    "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "delivered_at": {"type": "string"}
  }
}`

const pushPayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id", "status", "deliverable"],
  "properties": {
    "protocol": {"type": "string"},
    "message_type": {"type": "string"},
    "order_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["delivered", "delivery_failed"]},
    "deliverable": {
      "type": "object",
      "required": ["content", "content_hash"],
      "properties": {
        "content": {"type": "string"},
        "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "format": {"type": "string"},
        "content_encoding": {"type": "string", "enum": ["base64"]}
      }
    },
    "delivered_at": {"type": "string"}
  }
}`

func validateAgainstSchema(kind, schema string, document []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		// Unparseable document or schema; count it as one violation.
		return NewMalformedResponseError(kind, 1)
	}
	if !result.Valid() {
		return NewMalformedResponseError(kind, len(result.Errors()))
	}
	return nil
}

// ValidateQuoteResponse checks a service_quote document.
func ValidateQuoteResponse(document []byte) error {
	return validateAgainstSchema("quote response", quoteResponseSchema, document)
}

// ValidateStatusResponse checks an order-status document.
func ValidateStatusResponse(document []byte) error {
	return validateAgainstSchema("status response", statusResponseSchema, document)
}

// ValidateDownloadResponse checks a deliverable_download document.
func ValidateDownloadResponse(document []byte) error {
	return validateAgainstSchema("download response", downloadResponseSchema, document)
}

// ValidatePushPayload checks an inbound push delivery document.
func ValidatePushPayload(document []byte) error {
	return validateAgainstSchema("push payload", pushPayloadSchema, document)
}
