package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

const SealIDKey attribute.Key = "seal_id"
const EntityIDKey attribute.Key = "entity_id"
const VerificationIDKey attribute.Key = "verification_id"

func SealID(id string) attribute.KeyValue {
	return SealIDKey.String(id)
}

func EntityID(id string) attribute.KeyValue {
	return EntityIDKey.String(id)
}

func VerificationID(id string) attribute.KeyValue {
	return VerificationIDKey.String(id)
}

// Outcome returns attribute named "outcome" carrying the verification
// result name so instruments can be sliced per result.
func Outcome(result string) attribute.KeyValue {
	return attribute.String("outcome", result)
}

// Context returns attribute carrying the trust context name.
func Context(name string) attribute.KeyValue {
	return attribute.String("trust.context", name)
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
