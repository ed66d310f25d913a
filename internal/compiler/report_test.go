package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCompileErrors(t *testing.T) {
	raw := []byte(`{
		"type": "compile-errors",
		"errors": [{
			"path": "src/Main.elm",
			"name": "Main",
			"problems": [{
				"title": "UNFINISHED MODULE DECLARATION",
				"region": {"start": {"line": 1, "column": 1}, "end": {"line": 1, "column": 7}},
				"message": [
					"I got stuck parsing this module declaration:\n\n",
					{"bold": false, "underline": false, "color": "red", "string": "module"}
				]
			}]
		}]
	}`)

	report, err := DecodeReport(raw)
	require.NoError(t, err)

	assert.Equal(t, "compile-errors", report.Type)
	require.Len(t, report.Errors, 1)
	require.Len(t, report.Errors[0].Problems, 1)

	problem := report.Errors[0].Problems[0]
	assert.Equal(t, "UNFINISHED MODULE DECLARATION", problem.Title)
	assert.Equal(t, 1, problem.Region.Start.Line)
	assert.Equal(t, 7, problem.Region.End.Column)
	require.Len(t, problem.Message, 2)
	assert.Equal(t, "red", problem.Message[1].Color)
	assert.Equal(t, "UNFINISHED MODULE DECLARATION", report.FirstTitle())
}

func TestDecodeGeneralError(t *testing.T) {
	raw := []byte(`{
		"type": "error",
		"path": "elm.json",
		"title": "MISSING SOURCE DIRECTORY",
		"message": ["I could not find the src directory."]
	}`)

	report, err := DecodeReport(raw)
	require.NoError(t, err)
	assert.Equal(t, "error", report.Type)
	assert.Equal(t, "elm.json", report.Path)
	assert.Equal(t, "MISSING SOURCE DIRECTORY", report.FirstTitle())
	assert.Equal(t, "I could not find the src directory.", Plain(report.Message))
}

func TestDecodeGeneralErrorNullPath(t *testing.T) {
	raw := []byte(`{"type": "error", "path": null, "title": "T", "message": ["m"]}`)

	report, err := DecodeReport(raw)
	require.NoError(t, err)
	assert.Empty(t, report.Path)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeReport([]byte(`{"type": "surprise"}`))
	assert.Error(t, err)
}

func TestDecodeUnknownColor(t *testing.T) {
	raw := []byte(`{
		"type": "error",
		"path": null,
		"title": "T",
		"message": [{"bold": false, "underline": false, "color": "orange", "string": "x"}]
	}`)

	_, err := DecodeReport(raw)
	assert.Error(t, err)
}

func TestDecodeEmptyProblemsRejected(t *testing.T) {
	raw := []byte(`{
		"type": "compile-errors",
		"errors": [{"path": "src/Main.elm", "name": "Main", "problems": []}]
	}`)

	_, err := DecodeReport(raw)
	assert.Error(t, err)
}

func TestChunkColorCaseVariants(t *testing.T) {
	for _, color := range []string{"red", "RED", "cyan", "CYAN", "white", "BLACK"} {
		raw := []byte(`{"type":"error","path":null,"title":"T","message":[{"bold":true,"underline":false,"color":"` + color + `","string":"x"}]}`)
		_, err := DecodeReport(raw)
		assert.NoError(t, err, "color %s", color)
	}
}
