package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

const maxBodyBytes = 1 << 20

// errInvalidBody marks a request body that could not be decoded.
var errInvalidBody = errors.New("invalid request body")

// decodeObject reads the request body as a JSON object and calls fn for every
// field. An empty body decodes as an empty object.
func decodeObject(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(errInvalidBody, err.Error())
	}
	if len(b) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(b).Obj(fn); err != nil {
		return errors.Wrap(errInvalidBody, err.Error())
	}
	return nil
}

// decodeDecimal accepts a JSON string such as "103.20" or a bare number.
// Values outside the storable money range are rejected before any arithmetic.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = string(n)
	default:
		return decimal.Zero, errors.Errorf("expected decimal, got %s", d.Next())
	}

	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &money.AmountError{Reason: "not a finite decimal: " + raw}
	}
	if err := money.CheckRange(v); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}

func encodeMoney(e *jx.Encoder, field string, m money.Money) {
	e.FieldStart(field)
	e.Str(m.StringFixed())
}

func encodeTime(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status is already written; a failed write means the client left.
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}
