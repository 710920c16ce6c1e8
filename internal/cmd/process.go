package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go4.org/readerutil"
)

type processFunc func(filename *string, input readerutil.SizeReaderAt) (interface{}, error)

var (
	processFlags pflag.FlagSet
	compact      = processFlags.BoolP("compact", "c", false, "disable pretty-printing of JSON output")
)

// processFiles prints, as JSON, the result of process for each file, or for stdin if none is
// given. The first failure stops the processing.
func processFiles(filenames []string, kind string, process processFunc) error {
	encoder := newEncoder()

	if len(filenames) == 0 {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("unable to read stdin: %w", err)
		}
		return processInput(nil, bytes.NewReader(input), kind, process, encoder)
	}

	for _, filename := range filenames {
		if err := processFile(filename, kind, process, encoder); err != nil {
			return err
		}
	}
	return nil
}

func processFile(filename string, kind string, process processFunc, encoder *json.Encoder) error {
	file, err := osFs.Open(filename)
	if err != nil {
		return fmt.Errorf("unable to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("unable to open file: %w", err)
	}
	return processInput(&filename, io.NewSectionReader(file, 0, info.Size()), kind, process, encoder)
}

func processInput(filename *string, input readerutil.SizeReaderAt, kind string, process processFunc, encoder *json.Encoder) error {
	result, err := process(filename, input)
	if err != nil {
		if filename != nil {
			return fmt.Errorf("invalid %s %s: %w", kind, *filename, err)
		}
		return fmt.Errorf("invalid %s: %w", kind, err)
	}
	return encoder.Encode(result)
}

func newEncoder() *json.Encoder {
	encoder := json.NewEncoder(os.Stdout)
	if !*compact {
		encoder.SetIndent("", "  ")
	}
	encoder.SetEscapeHTML(false)
	return encoder
}

func printJSON(v interface{}) error {
	return newEncoder().Encode(v)
}

// check turns the result of a verification into a JSON-friendly status.
func check(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
