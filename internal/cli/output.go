package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// Форматы вывода.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	format string
	w      io.Writer // stdout для данных
	errW   io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Неизвестный формат выводится таблицей.
func NewOutput(format string) *Output {
	return NewOutputTo(format, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными writer'ами.
func NewOutputTo(format string, w, errW io.Writer) *Output {
	return &Output{
		format: strings.ToLower(format),
		w:      w,
		errW:   errW,
	}
}

// ParseFormat проверяет имя формата.
func ParseFormat(format string) (string, error) {
	switch f := strings.ToLower(format); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

// Print выводит данные: таблицу, JSON или YAML в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, data any) {
	switch o.format {
	case FormatJSON:
		o.JSON(data)
	case FormatYAML:
		o.YAML(data)
	default:
		o.Table(headers, rows)
	}
}

// Structured сообщает, выводятся ли данные как JSON или YAML.
func (o *Output) Structured() bool {
	return o.format == FormatJSON || o.format == FormatYAML
}

// Table выводит данные в виде таблицы.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(o.w)
	tw.SetStyle(table.StyleLight)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}

	tw.Render()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		o.Error(err.Error())
	}
}

// YAML выводит данные в формате YAML.
func (o *Output) YAML(v any) {
	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		o.Error(err.Error())
	}
	_ = enc.Close()
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
