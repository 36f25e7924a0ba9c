package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/shopspring/decimal"
)

type OrderItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Confirmation is everything the order confirmation email shows.
type Confirmation struct {
	OrderID  string
	Currency string
	Total    decimal.Decimal
	Items    []OrderItem
}

type confirmationLine struct {
	Name     string
	Quantity int
	Unit     string
	Subtotal string
}

var confirmationTmpl = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Order {{.OrderID}}</title></head>
<body style="margin:0;padding:24px;background:#f4f5f7;font-family:Helvetica,Arial,sans-serif;color:#222;">
<table role="presentation" width="100%" cellpadding="0" cellspacing="0" style="max-width:560px;margin:0 auto;background:#fff;border:1px solid #dde1e6;">
<tr><td style="padding:20px 24px;background:#1f3a5f;color:#fff;font-size:20px;">Order received</td></tr>
<tr><td style="padding:24px;">
<p style="margin:0 0 16px;">Your payment went through and your items are reserved. Reference:</p>
<p style="margin:0 0 24px;font-family:Menlo,Consolas,monospace;font-size:15px;">{{.OrderID}}</p>
<table width="100%" cellpadding="6" cellspacing="0" style="border-collapse:collapse;font-size:14px;">
<tr style="border-bottom:2px solid #1f3a5f;"><th align="left">Product</th><th align="center">Qty</th><th align="right">Price</th><th align="right">Line total</th></tr>
{{range .Lines}}<tr style="border-bottom:1px solid #e5e8ec;"><td>{{.Name}}</td><td align="center">{{.Quantity}}</td><td align="right">{{.Unit}}</td><td align="right">{{.Subtotal}}</td></tr>
{{end}}<tr><td colspan="3" align="right" style="padding-top:14px;font-weight:bold;">Total</td><td align="right" style="padding-top:14px;font-weight:bold;">{{.Total}}</td></tr>
</table>
</td></tr>
<tr><td style="padding:16px 24px;font-size:12px;color:#777;border-top:1px solid #e5e8ec;">Sent automatically, please do not reply.</td></tr>
</table>
</body>
</html>
`))

// BuildOrderConfirmationBody renders the HTML confirmation. Item names are
// escaped; items without a name show their product id.
func BuildOrderConfirmationBody(c Confirmation) (string, error) {
	data := struct {
		OrderID string
		Total   string
		Lines   []confirmationLine
	}{
		OrderID: c.OrderID,
		Total:   formatAmount(c.Total, c.Currency),
	}
	for _, it := range c.Items {
		name := it.Name
		if name == "" {
			name = it.ProductID
		}
		data.Lines = append(data.Lines, confirmationLine{
			Name:     name,
			Quantity: it.Quantity,
			Unit:     formatAmount(it.UnitPrice, c.Currency),
			Subtotal: formatAmount(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))), c.Currency),
		})
	}

	var buf bytes.Buffer
	if err := confirmationTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render confirmation: %w", err)
	}
	return buf.String(), nil
}

// formatAmount renders 1234.5 as "1,234.50 USD".
func formatAmount(d decimal.Decimal, currency string) string {
	r := d.Round(2)
	s := r.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(s, ".")

	out := groupThousands(whole) + "." + frac
	if r.IsNegative() {
		out = "-" + out
	}
	if currency != "" {
		out += " " + strings.ToUpper(currency)
	}
	return out
}

func groupThousands(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	out := make([]byte, 0, n+(n-1)/3)
	for i := 0; i < n; i++ {
		if i > 0 && (n-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, digits[i])
	}
	return string(out)
}
