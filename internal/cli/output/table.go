package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// Table writes a Tabular result as a borderless aligned table.
func Table(w io.Writer, data Tabular) error {
	t := tablewriter.NewWriter(w)
	t.SetHeader(data.TableHeader())

	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)

	for _, row := range data.TableRows() {
		t.Append(row)
	}
	t.Render()
	return nil
}

// Rows is an ad-hoc Tabular for callers assembling tables inline.
type Rows struct {
	Header []string
	Data   [][]string
}

// Add appends one row.
func (r *Rows) Add(cells ...string) { r.Data = append(r.Data, cells) }

func (r *Rows) TableHeader() []string { return r.Header }
func (r *Rows) TableRows() [][]string { return r.Data }

// Pairs writes key-value rows without a header, for detail views.
func Pairs(w io.Writer, pairs [][2]string) error {
	t := tablewriter.NewWriter(w)

	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator(":")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)

	for _, pair := range pairs {
		t.Append([]string{pair[0], pair[1]})
	}
	t.Render()
	return nil
}
