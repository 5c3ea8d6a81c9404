package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Zereker/msgsock"
)

// demoProcedures registers the procedures the serve command answers.
func demoProcedures(logger msgsock.Logger) *msgsock.Registry {
	r := msgsock.NewRegistry()
	must(r.Register("hello", 0, func([]any) (any, error) {
		return "hello friend", nil
	}))
	must(r.Register("goodbye", 1, func(args []any) (any, error) {
		return fmt.Sprintf("goodbye %v", args[0]), nil
	}))
	must(r.Register("add", 2, func(args []any) (any, error) {
		return add(args[0], args[1])
	}))
	must(r.Register("echo", 1, func(args []any) (any, error) {
		logger.Info("echo", "said", fmt.Sprint(args[0]))
		return args[0], nil
	}))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// add sums two numbers or concatenates two strings.
func add(a, b any) (any, error) {
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return x + y, nil
		}
	}

	xi, aInt := toInt(a)
	yi, bInt := toInt(b)
	if aInt && bInt {
		return xi + yi, nil
	}

	xf, aNum := toFloat(a)
	yf, bNum := toFloat(b)
	if aNum && bNum {
		return xf + yf, nil
	}
	return nil, errors.Errorf("cannot add %T and %T", a, b)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		// larger values are summed as floats
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	if n, ok := toInt(v); ok {
		return float64(n), true
	}
	switch n := v.(type) {
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// parseArg reads a command-line argument as an integer, float or boolean
// when it looks like one, and as a string otherwise.
func parseArg(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
