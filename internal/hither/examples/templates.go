// Package examples holds the functions the hither binary registers for the demo command.
package examples

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/hither/internal/hither/job"
)

var Square = job.NewTemplate("square", "0.1.0", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	x, err := kwargs.Float64("x")
	if err != nil {
		return nil, err
	}
	ctx.Printf("Squaring %v\n", x)
	return x * x, nil
}).Parameter("x")

var Add = job.NewTemplate("add", "0.1.0", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	a, err := kwargs.Float64("a")
	if err != nil {
		return nil, err
	}
	b, err := kwargs.Float64("b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}).Parameter("a").Parameter("b")

// WriteText writes text to outfile, one line per element when text is a list.
var WriteText = job.NewTemplate("write_text", "0.1.0", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	text := kwargs.String("text")
	if lines, ok := kwargs["text"].([]interface{}); ok {
		var sb strings.Builder
		for _, line := range lines {
			fmt.Fprintln(&sb, line)
		}
		text = sb.String()
	}
	return nil, errors.WithStack(os.WriteFile(kwargs.String("outfile"), []byte(text), 0o644))
}).Output("outfile").Parameter("text")

// CountLines returns the number of lines in infile and, if requested, writes it to outfile.
var CountLines = job.NewTemplate("count_lines", "0.1.0", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	data, err := os.ReadFile(kwargs.String("infile"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	n := strings.Count(string(data), "\n")
	ctx.Printf("%s has %d lines\n", kwargs.String("infile"), n)
	if outfile := kwargs.String("outfile"); outfile != "" {
		if err := os.WriteFile(outfile, []byte(fmt.Sprintf("%d\n", n)), 0o644); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return n, nil
}).Input("infile").OptionalOutput("outfile")

var Fail = job.NewTemplate("fail", "0.1.0", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	return nil, errors.New(kwargs.String("message"))
}).OptionalParameter("message", "failing on purpose")

// Sleep returns early with an error if the job's timeout is reached.
var Sleep = job.NewTemplate("sleep", "0.1.0", func(ctx *job.Context, kwargs job.Kwargs) (interface{}, error) {
	seconds, err := kwargs.Float64("seconds")
	if err != nil {
		return nil, err
	}
	ctx.Printf("Sleeping for %v seconds\n", seconds)
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return seconds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}).Parameter("seconds")

var All = []*job.Template{Square, Add, WriteText, CountLines, Fail, Sleep}

func Register(registry *job.Registry) error {
	return registry.Register(All...)
}
