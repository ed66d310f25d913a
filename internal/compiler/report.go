package compiler

import (
	"encoding/json"
	"fmt"
)

// Report is the compiler's structured error output. The top-level type
// discriminant is either "error" (a general error with an optional path)
// or "compile-errors" (per-file errors).
type Report struct {
	Type   string
	Path   string
	Title  string
	Message []Chunk
	Errors []FileError
}

// FileError is one source file's problems.
type FileError struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Problems []Problem `json:"problems"`
}

// Problem is one diagnostic within a file.
type Problem struct {
	Title   string  `json:"title"`
	Region  Region  `json:"region"`
	Message []Chunk `json:"message"`
}

// Region is the source span a problem covers.
type Region struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Position is a 1-based line/column pair.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Chunk is one message fragment: either a plain string or a styled span.
type Chunk struct {
	String    string
	Bold      bool
	Underline bool
	Color     string
}

// validColors is the color vocabulary the compiler may emit.
var validColors = map[string]bool{
	"red": true, "RED": true,
	"magenta": true, "MAGENTA": true,
	"yellow": true, "YELLOW": true,
	"green": true, "GREEN": true,
	"cyan": true, "CYAN": true,
	"blue": true, "BLUE": true,
	"black": true, "BLACK": true,
	"white": true, "WHITE": true,
}

// UnmarshalJSON accepts the plain-string and styled-object chunk forms.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.String)
	}

	var styled struct {
		Bold      bool    `json:"bold"`
		Underline bool    `json:"underline"`
		Color     *string `json:"color"`
		String    string  `json:"string"`
	}
	if err := json.Unmarshal(data, &styled); err != nil {
		return err
	}

	c.Bold = styled.Bold
	c.Underline = styled.Underline
	c.String = styled.String
	if styled.Color != nil {
		if !validColors[*styled.Color] {
			return fmt.Errorf("unknown color %q", *styled.Color)
		}
		c.Color = *styled.Color
	}

	return nil
}

// Plain concatenates the chunk strings without styling.
func Plain(chunks []Chunk) string {
	var out string
	for _, c := range chunks {
		out += c.String
	}

	return out
}

// DecodeReport parses the compiler's JSON stderr.
func DecodeReport(data []byte) (*Report, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding report envelope: %w", err)
	}

	switch head.Type {
	case "error":
		var doc struct {
			Path    *string `json:"path"`
			Title   string  `json:"title"`
			Message []Chunk `json:"message"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding general error report: %w", err)
		}

		report := &Report{Type: head.Type, Title: doc.Title, Message: doc.Message}
		if doc.Path != nil {
			report.Path = *doc.Path
		}

		return report, nil

	case "compile-errors":
		var doc struct {
			Errors []FileError `json:"errors"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding compile errors report: %w", err)
		}

		for _, fileError := range doc.Errors {
			if len(fileError.Problems) == 0 {
				return nil, fmt.Errorf("file %s has no problems listed", fileError.Path)
			}
		}

		return &Report{Type: head.Type, Errors: doc.Errors}, nil

	default:
		return nil, fmt.Errorf("unknown report type %q", head.Type)
	}
}

// FirstTitle returns the headline of the first problem, used for the
// terminal summary line.
func (r *Report) FirstTitle() string {
	if r.Type == "error" {
		return r.Title
	}
	for _, fileError := range r.Errors {
		for _, problem := range fileError.Problems {
			return problem.Title
		}
	}

	return ""
}
