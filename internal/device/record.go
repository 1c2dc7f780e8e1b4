// Package device persists the registration state that ties this device to the relay.
package device

import "maps"

// Field names of the device record, as returned by the relay.
const (
	FieldSerial         = "serial"
	FieldAssignedIP     = "assigned_ip"
	FieldRelayPublicKey = "relay_public_key"
)

// RequiredFields must all be present and non-empty for a record to be valid.
var RequiredFields = []string{FieldSerial, FieldAssignedIP, FieldRelayPublicKey}

// Record is the persisted desired state of the tunnel membership.
// Fields the relay returns beyond the required ones are kept as-is.
type Record map[string]any

// Serial returns the hardware serial the device registered with.
func (r Record) Serial() string { return r.str(FieldSerial) }

// AssignedIP returns the overlay address the relay assigned to this device.
func (r Record) AssignedIP() string { return r.str(FieldAssignedIP) }

// RelayPublicKey returns the relay's WireGuard public key.
func (r Record) RelayPublicKey() string { return r.str(FieldRelayPublicKey) }

// Valid reports whether every required field is a non-empty string.
func (r Record) Valid() bool {
	for _, field := range RequiredFields {
		if r.str(field) == "" {
			return false
		}
	}
	return true
}

// Missing returns the required fields that are absent or empty.
func (r Record) Missing() []string {
	var missing []string
	for _, field := range RequiredFields {
		if r.str(field) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// Merge returns a copy of r with every field of partial laid over it.
func (r Record) Merge(partial Record) Record {
	out := make(Record, len(r)+len(partial))
	maps.Copy(out, r)
	maps.Copy(out, partial)
	return out
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	return r.Merge(nil)
}

func (r Record) str(field string) string {
	v, ok := r[field].(string)
	if !ok {
		return ""
	}
	return v
}
