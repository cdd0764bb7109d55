package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
)

// Field names of the BitMEX order table that the synchronizer reads.
const (
	FieldOrderID   = "orderID"
	FieldSymbol    = "symbol"
	FieldSide      = "side"
	FieldPrice     = "price"
	FieldStopPx    = "stopPx"
	FieldOrdType   = "ordType"
	FieldOrdStatus = "ordStatus"
	FieldCumQty    = "cumQty"
	FieldLeavesQty = "leavesQty"
	FieldTriggered = "triggered"
)

const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	OrderStatusNew             = "New"
	OrderStatusPartiallyFilled = "PartiallyFilled"
	OrderStatusFilled          = "Filled"
	OrderStatusCanceled        = "Canceled"
	OrderStatusRejected        = "Rejected"
)

// SignificantFields are the fields whose presence in an update marks the
// record as a state transition worth publishing.
var SignificantFields = []string{FieldOrdStatus, FieldCumQty, FieldLeavesQty}

// Record is one row of a remote table. Fields the synchronizer does not know
// about are carried untouched through merges.
type Record map[string]any

// Merge copies every field of update into r. Fields absent from update keep
// their current value.
func (r Record) Merge(update Record) {
	maps.Copy(r, update)
}

// Clone returns a deep copy so that readers outside the owning goroutine
// cannot observe later merges.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// MatchesKeys reports whether r and other agree on every key field. other
// must carry every key field; an item without them addresses nothing.
func (r Record) MatchesKeys(keys []string, other Record) bool {
	for _, k := range keys {
		v, ok := other[k]
		if !ok || !valueEqual(r[k], v) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case json.Number:
		// 1 and 1.0 denote the same key
		bv, ok := b.(json.Number)
		if !ok {
			return false
		}
		if av == bv {
			return true
		}
		ad, err1 := decimal.NewFromString(av.String())
		bd, err2 := decimal.NewFromString(bv.String())
		return err1 == nil && err2 == nil && ad.Equal(bd)
	default:
		return reflect.DeepEqual(a, b)
	}
}

// HasAny reports whether any of the given fields is present.
func (r Record) HasAny(fields ...string) bool {
	for _, f := range fields {
		if _, ok := r[f]; ok {
			return true
		}
	}
	return false
}

// String returns the field as a string, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Decimal returns a numeric field as a decimal. ok is false when the field
// is absent, null, or not a number.
func (r Record) Decimal(field string) (decimal.Decimal, bool) {
	switch v := r[field].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func (r Record) ID() string {
	switch v := r[FieldOrderID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) Symbol() string    { return r.String(FieldSymbol) }
func (r Record) Side() string      { return r.String(FieldSide) }
func (r Record) OrdType() string   { return r.String(FieldOrdType) }
func (r Record) OrdStatus() string { return r.String(FieldOrdStatus) }

// LeavesQty returns the remaining quantity of an order.
func (r Record) LeavesQty() (decimal.Decimal, bool) {
	return r.Decimal(FieldLeavesQty)
}

// IsTerminal reports whether nothing remains to be filled. A record without
// a numeric leavesQty is never terminal.
func (r Record) IsTerminal() bool {
	leaves, ok := r.LeavesQty()
	return ok && leaves.LessThanOrEqual(decimal.Zero)
}

// Triggered reports the stop-trigger state. BitMEX sends a string such as
// "StopOrderTriggered" (empty when untriggered); a bool is accepted as well.
func (r Record) Triggered() bool {
	switch v := r[FieldTriggered].(type) {
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	default:
		return false
	}
}
