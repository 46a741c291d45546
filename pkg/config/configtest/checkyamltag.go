package configtest

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// yaml keys double as generated flag and env var names
var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

type tagChecker struct {
	visited map[reflect.Type]bool
	errs    error
}

func (c *tagChecker) fail(t reflect.Type, field string, format string, args ...any) {
	c.errs = multierr.Append(c.errs, fmt.Errorf("%s.%s.%s: %s", t.PkgPath(), t.Name(), field, fmt.Sprintf(format, args...)))
}

func (c *tagChecker) check(t reflect.Type) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || c.visited[t] {
		return
	}
	c.visited[t] = true

	keys := map[string]string{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		opts := strings.Split(field.Tag.Get("yaml"), ",")
		name, opts := opts[0], opts[1:]
		if name == "-" {
			continue
		}

		if slices.Contains(opts, "inline") {
			c.check(field.Type)
			continue
		}

		switch {
		case name == "":
			c.fail(t, field.Name, "missing yaml key")
		case !keyPattern.MatchString(name):
			c.fail(t, field.Name, "yaml key %q is not snake case", name)
		case keys[name] != "":
			c.fail(t, field.Name, "yaml key %q already used by %s", name, keys[name])
		default:
			keys[name] = field.Name
		}

		// false is a valid explicit value
		if field.Type.Kind() != reflect.Bool && field.Tag.Get("config") != "allowempty" && !slices.Contains(opts, "omitempty") {
			c.fail(t, field.Name, "missing omitempty")
		}

		c.check(field.Type)
	}
}

// CheckYAMLTags verifies config struct tags: every key is snake case and unique within its struct, and every
// non-bool field is omitempty so that marshalled defaults stay minimal.
func CheckYAMLTags(config any) error {
	c := &tagChecker{visited: map[reflect.Type]bool{}}
	c.check(reflect.TypeOf(config))
	return c.errs
}
