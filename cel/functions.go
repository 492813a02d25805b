package cel

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/mashlab/mash"
)

// The surface builtins are macros over reserved variables, expanded at
// parse time:
//
//	rule_file()            -> mash.rulefile
//	rule_name()            -> mash.rulename
//	object_path(parts...)  -> mash.object + "/" + part + "/" + ...
//	object_path()          -> mash.object
//	has_tag(p)             -> mash_has_tag(mash.tags, p)
//
// has_tag cannot be a CEL function named "has" (that is a macro in the
// language itself), so the exposed name is has_tag.
func builtinMacros() cel.EnvOption {
	return cel.Macros(
		cel.GlobalMacro("rule_file", 0, identMacro(mash.VarRuleFile)),
		cel.GlobalMacro("rule_name", 0, identMacro(mash.VarRuleName)),
		cel.GlobalVarArgMacro("object_path", objectPathMacro),
		cel.GlobalMacro("has_tag", 1, hasTagMacro),
	)
}

func identMacro(name string) cel.MacroFactory {
	return func(mef cel.MacroExprFactory, _ ast.Expr, _ []ast.Expr) (ast.Expr, *cel.Error) {
		return mef.NewIdent(name), nil
	}
}

// objectPathMacro joins every argument against the object root with
// "/" separators; with no arguments it is the root itself.
func objectPathMacro(mef cel.MacroExprFactory, _ ast.Expr, args []ast.Expr) (ast.Expr, *cel.Error) {
	expr := mef.NewIdent(mash.VarObject)
	for _, arg := range args {
		expr = mef.NewCall(operators.Add, mef.NewCall(operators.Add, expr, mef.NewLiteral(types.String("/"))), arg)
	}
	return expr, nil
}

func hasTagMacro(mef cel.MacroExprFactory, _ ast.Expr, args []ast.Expr) (ast.Expr, *cel.Error) {
	return mef.NewCall("mash_has_tag", mef.NewIdent(mash.VarTags), args[0]), nil
}

var stringMapType = reflect.TypeOf(map[string]string{})

func hasTagFunction() cel.EnvOption {
	return cel.Function("mash_has_tag",
		cel.Overload("mash_has_tag_map_string",
			[]*cel.Type{cel.MapType(cel.StringType, cel.StringType), cel.StringType},
			cel.BoolType,
			cel.BinaryBinding(func(tagsVal, patternVal ref.Val) ref.Val {
				pattern, ok := patternVal.Value().(string)
				if !ok {
					return types.NewErr("has_tag: pattern is not a string")
				}
				native, err := tagsVal.ConvertToNative(stringMapType)
				if err != nil {
					return types.NewErr("has_tag: %v", err)
				}
				tags := native.(map[string]string)
				if _, exact := tags[pattern]; exact {
					return types.True
				}
				for name := range tags {
					if mash.MatchTag(pattern, name) {
						return types.True
					}
				}
				return types.False
			}),
		),
	)
}

// FormatValue renders a CEL evaluation result as a tag value.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []byte:
		return string(t)
	case time.Duration:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
