package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/casehawk/internal/processor"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
)

var stdout io.Writer = os.Stdout

func Success(format string, a ...interface{}) {
	successColor.Fprintf(stdout, "✓ "+format+"\n", a...)
}

func Error(format string, a ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", a...)
}

func Info(format string, a ...interface{}) {
	infoColor.Fprintf(stdout, format+"\n", a...)
}

func Warn(format string, a ...interface{}) {
	warnColor.Fprintf(stdout, "⚠ "+format+"\n", a...)
}

// render prints v as JSON or YAML when asked to, and otherwise calls table.
func render(v any, table func()) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API's field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(stdout)
		defer enc.Close()
		enc.SetIndent(2)
		return enc.Encode(generic)
	default:
		table()
		return nil
	}
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers []string) *Table {
	return &Table{
		headers: headers,
		rows:    [][]string{},
	}
}

func (t *Table) AddRow(row []string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render() {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	headerColor := color.New(color.FgWhite, color.Bold)
	for i, header := range t.headers {
		headerColor.Fprintf(stdout, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(stdout)

	for i := range t.headers {
		fmt.Fprint(stdout, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(stdout)

	for _, row := range t.rows {
		for i, cell := range row {
			fmt.Fprintf(stdout, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(stdout)
	}
}

func stateColor(s repository.State) string {
	switch s {
	case repository.StateCompleted:
		return color.GreenString(string(s))
	case repository.StateFailed:
		return color.RedString(string(s))
	case repository.StateCancelled:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func fileTable(files []*repository.FileRecord) {
	t := NewTable([]string{"ID", "CASE", "STATE", "EVENTS", "ERRORS", "VIOLATIONS", "IOC MATCHES", "PATH"})
	for _, f := range files {
		t.AddRow([]string{
			fmt.Sprint(f.ID),
			fmt.Sprint(f.CaseID),
			stateColor(f.State),
			fmt.Sprint(f.EventCount),
			fmt.Sprint(f.IndexErrorCount),
			fmt.Sprint(f.ViolationCount),
			fmt.Sprint(f.IOCMatchCount),
			f.StoragePath,
		})
	}
	t.Render()
}

// printOutcome reports one operation result in the selected format.
func printOutcome(out *processor.Outcome) {
	switch out.Status {
	case processor.StatusSuccess:
		Success("file %d %s: %s", out.FileID, out.Operation, out.Message)
	case processor.StatusSkipped:
		Warn("file %d %s skipped: %s", out.FileID, out.Operation, out.Message)
	case processor.StatusCancelled:
		Warn("file %d %s cancelled: %s", out.FileID, out.Operation, out.Message)
	default:
		Error("file %d %s failed: %s", out.FileID, out.Operation, out.Message)
	}
}

func printOutcomes(outcomes []*processor.Outcome) error {
	return render(outcomes, func() {
		for _, out := range outcomes {
			printOutcome(out)
		}
	})
}
