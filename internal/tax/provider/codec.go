package provider

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// MarshalPayload encodes the request into its wire form. Field order is
// fixed, so the byte payload doubles as the input for fingerprinting: equal
// requests always produce equal payloads.
func (r Request) MarshalPayload() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("document")
	e.Str(r.DocumentToken)
	e.FieldStart("currency")
	e.Str(r.Currency)
	e.FieldStart("country")
	e.Str(r.Country)
	e.FieldStart("postal_code")
	e.Str(r.PostalCode)
	e.FieldStart("tax_included")
	e.Bool(r.TaxIncluded)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range r.Lines {
		e.ObjStart()
		e.FieldStart("item_code")
		e.Str(l.ItemCode)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("amount")
		e.Str(l.Amount.String())
		e.FieldStart("shipping")
		e.Bool(l.Shipping)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	return e.Bytes()
}

// ParseResponse decodes a provider response body. Malformed bodies are
// reported as errors for the caller to convert into a failed Response.
func ParseResponse(body []byte) (Response, error) {
	var resp Response
	d := jx.DecodeBytes(body)

	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "lines" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			line, err := parseResponseLine(d)
			if err != nil {
				return err
			}
			resp.Lines = append(resp.Lines, line)
			return nil
		})
	}); err != nil {
		return Response{}, errors.Wrap(err, "decode provider response")
	}

	return resp, nil
}

func parseResponseLine(d *jx.Decoder) (ResponseLine, error) {
	var line ResponseLine
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "item_code":
			s, err := d.Str()
			if err != nil {
				return err
			}
			line.ItemCode = s
			return nil
		case "net":
			return decodeDecimal(d, &line.Net)
		case "gross":
			return decodeDecimal(d, &line.Gross)
		case "rate":
			return decodeDecimal(d, &line.Rate)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return ResponseLine{}, err
	}
	if line.ItemCode == "" {
		return ResponseLine{}, errors.New("response line without item code")
	}
	return line, nil
}

// decodeDecimal accepts both string and bare number encodings for amounts.
func decodeDecimal(d *jx.Decoder, dst *decimal.Decimal) error {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return err
		}
		raw = n.String()
	default:
		return errors.Errorf("unexpected token %v for decimal", d.Next())
	}

	v, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.Wrapf(err, "parse decimal %q", raw)
	}
	*dst = v
	return nil
}
