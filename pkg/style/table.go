package style

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// NewDefaultTableStyle is the rounded table style of the cli listings
func NewDefaultTableStyle() *table.Style {
	style := table.Style{
		Name:    "StyleRounded",
		Box:     table.StyleBoxRounded,
		Format:  table.FormatOptionsDefault,
		HTML:    table.DefaultHTMLOptions,
		Options: table.OptionsDefault,
		Title:   table.TitleOptionsDefault,
		Color:   table.ColorOptionsDefault,
	}
	style.Color.Header = text.Colors{text.FgHiYellow, text.Bold}
	return &style
}

// NewPlainTableStyle has no colors, for output that is not a terminal
func NewPlainTableStyle() *table.Style {
	style := *NewDefaultTableStyle()
	style.Name = "StylePlain"
	style.Box = table.StyleBoxDefault
	style.Color = table.ColorOptionsDefault
	return &style
}
