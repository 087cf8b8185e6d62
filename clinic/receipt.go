package clinic

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/payroll"
)

const rule = "================================"

// Receipts renders plain-text receipts in the clinic's currency format and
// time zone.
type Receipts struct {
	ClinicName string
	Format     *generic.Formatter
	Zone       *time.Location
}

func (r Receipts) header(b *strings.Builder, title string, at time.Time) {
	fmt.Fprintf(b, "%s\n%s\n%s\n\n%s\n\n", rule, r.ClinicName, rule, title)
	fmt.Fprintf(b, "Fecha: %s\n", at.In(r.Zone).Format("02/01/2006 15:04"))
}

func (r Receipts) Payment(inv billing.Invoice, p billing.Payment) string {
	var b strings.Builder
	r.header(&b, "RECIBO DE PAGO", p.Timestamp)
	fmt.Fprintf(&b, "Factura: %s\nPaciente: %s\nProfesional: %s\n\n%s\n", inv.Number, inv.PatientName, inv.Professional, rule)
	fmt.Fprintf(&b, "Monto pagado: %s\nMétodo: %s\n", r.Format.Format(p.Amount), p.Method)
	fmt.Fprintf(&b, "Total factura: %s\nPagado: %s\nBalance: %s\n", r.Format.Format(inv.Total), r.Format.Format(inv.Paid()), r.Format.Format(inv.Balance()))
	fmt.Fprintf(&b, "%s\nRecibido por: %s\n", rule, p.ReceivedBy)
	return b.String()
}

func (r Receipts) Commission(c payroll.CommissionPayout) string {
	var b strings.Builder
	r.header(&b, "RECIBO DE PAGO DE COMISIONES", c.PaidAt)
	fmt.Fprintf(&b, "Para: %s\nComisión: %s%%\nFacturas: %d\n\n%s\n", c.Name, c.Rate.String(), len(c.Invoices), rule)
	fmt.Fprintf(&b, "Monto: %s\n%s\nRegistrado por: %s\n", r.Format.Format(c.Amount), rule, c.PaidBy)
	return b.String()
}

func (r Receipts) Salary(s payroll.SalaryPayout) string {
	var b strings.Builder
	r.header(&b, "RECIBO DE PAGO DE SALARIO", s.PaidAt)
	fmt.Fprintf(&b, "Para: %s\n\n%s\nSalario base: %s\n", s.Name, rule, r.Format.Format(s.Gross))
	if s.Advances.IsPositive() {
		fmt.Fprintf(&b, "Avances descontados: %s\n", r.Format.Format(s.Advances))
	}
	fmt.Fprintf(&b, "PAGO NETO: %s\n%s\nRegistrado por: %s\n", r.Format.Format(s.Net), rule, s.PaidBy)
	return b.String()
}
