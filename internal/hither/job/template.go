package job

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Func is the signature of every function hither can run.
// kwargs holds resolved local paths for input and output files and the final values of parameters.
type Func func(ctx *Context, kwargs Kwargs) (interface{}, error)

// Context is passed to a running Func. It carries the job's timeout as a deadline and the writers
// whose output is captured into the job's console output.
type Context struct {
	context.Context
	Label  string
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Context) Printf(format string, args ...interface{}) {
	fmt.Fprintf(c.Stdout, format, args...)
}

func (c *Context) Println(args ...interface{}) {
	fmt.Fprintln(c.Stdout, args...)
}

type Kwargs map[string]interface{}

func (k Kwargs) String(name string) string {
	v, ok := k[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Float64 converts numeric values, which arrive as float64 after crossing a process boundary.
func (k Kwargs) Float64(name string) (float64, error) {
	switch v := k[name].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, errors.Wrapf(err, "parameter %s", name)
	case nil:
		return 0, errors.Errorf("parameter %s is not set", name)
	default:
		return 0, errors.Errorf("parameter %s has non-numeric type %T", name, v)
	}
}

func (k Kwargs) Int(name string) (int, error) {
	f, err := k.Float64(name)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, errors.Errorf("parameter %s is not an integer: %v", name, f)
	}
	return int(f), nil
}

func (k Kwargs) Bool(name string) bool {
	b, _ := k[name].(bool)
	return b
}

type InputSpec struct {
	Name     string
	Required bool
	// Resolve content references to local paths before the function runs.
	Resolve bool
}

type OutputSpec struct {
	Name     string
	Required bool
}

type ParameterSpec struct {
	Name       string
	Required   bool
	Default    interface{}
	HasDefault bool
}

// Template describes a function hither can run: its name and version, which keyword arguments are
// files and which are parameters, and the containers it may run in.
type Template struct {
	Name         string
	Version      string
	Inputs       []InputSpec
	Outputs      []OutputSpec
	Parameters   []ParameterSpec
	Containers   map[string]string
	LocalModules []string
	Func         Func
}

func NewTemplate(name string, version string, fn Func) *Template {
	return &Template{Name: name, Version: version, Func: fn, Containers: map[string]string{}}
}

func (t *Template) Input(name string) *Template {
	t.Inputs = append(t.Inputs, InputSpec{Name: name, Required: true, Resolve: true})
	return t
}

func (t *Template) OptionalInput(name string) *Template {
	t.Inputs = append(t.Inputs, InputSpec{Name: name, Required: false, Resolve: true})
	return t
}

// UnresolvedInput declares an input passed to the function as given, even if it is a content reference.
func (t *Template) UnresolvedInput(name string) *Template {
	t.Inputs = append(t.Inputs, InputSpec{Name: name, Required: true, Resolve: false})
	return t
}

func (t *Template) Output(name string) *Template {
	t.Outputs = append(t.Outputs, OutputSpec{Name: name, Required: true})
	return t
}

func (t *Template) OptionalOutput(name string) *Template {
	t.Outputs = append(t.Outputs, OutputSpec{Name: name, Required: false})
	return t
}

func (t *Template) Parameter(name string) *Template {
	t.Parameters = append(t.Parameters, ParameterSpec{Name: name, Required: true})
	return t
}

func (t *Template) OptionalParameter(name string, def interface{}) *Template {
	t.Parameters = append(t.Parameters, ParameterSpec{Name: name, Required: false, Default: def, HasDefault: true})
	return t
}

// Container maps a container key, e.g. "default", to an image.
func (t *Template) Container(key string, image string) *Template {
	t.Containers[key] = image
	return t
}

// LocalModule adds a directory shipped alongside the function when it runs in a container.
func (t *Template) LocalModule(path string) *Template {
	t.LocalModules = append(t.LocalModules, path)
	return t
}

// resolveContainer maps a configured container key through the template's container map.
func (t *Template) resolveContainer(container string) string {
	if image, ok := t.Containers[container]; ok {
		return image
	}
	return container
}
