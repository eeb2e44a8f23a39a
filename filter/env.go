package filter

/*
Env is the environment inbound-filter expressions are compiled against. Once
this struct is fixed it should not be changed, otherwise filter expressions
stored in user configuration may not compile any more (f.e. if properties are
renamed etc.)
*/

import (
	"strconv"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/types"
)

type Env struct {
	Username string
	Content  string
	Domain   string
	Area     string
	Role     string
	System   bool
	Created  int64
	Metadata map[string]string

	AsInt   func(string) int64
	AsFloat func(string) float64
}

// AsInt parses the value as an int, 0 on error
func AsInt(v string) int64 {
	val, _ := strconv.ParseInt(v, 0, 64)
	return val
}

// AsFloat parses the value as a float64, 0.0 on error
func AsFloat(v string) float64 {
	val, _ := strconv.ParseFloat(v, 64)
	return val
}

// Compile type-checks an inbound filter expression against Env. An empty
// expression compiles to nil, which Accept treats as pass-everything.
func Compile(expression string) (*vm.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	return expr.Compile(expression, expr.Env(Env{}))
}

// Accept evaluates the program against one inbound message. A nil program
// accepts everything; an evaluation error or non-bool result rejects the
// message.
func Accept(prog *vm.Program, msg types.Message, metadata map[string]string) bool {
	if prog == nil {
		return true
	}
	env := Env{
		Username: msg.Username,
		Content:  msg.Content,
		Domain:   msg.Domain,
		Area:     msg.Area,
		Role:     msg.Role,
		System:   msg.System,
		Created:  msg.CreatedAt.Unix(),
		Metadata: metadata,
		AsInt:    AsInt,
		AsFloat:  AsFloat,
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run filter", "error", err)
		return false
	}
	if bRes, ok := res.(bool); ok && bRes {
		return true
	}
	return false
}
