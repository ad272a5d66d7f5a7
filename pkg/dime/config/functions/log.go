package functions

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogFunctions returns log_debug, log_info, log_warn and log_error, each
// taking a message and optional fields, plus log_msg which takes the level
// name first. All of them return true.
func GetLogFunctions(logger *zap.Logger) map[string]function.Function {
	if logger == nil {
		logger = zap.NewNop()
	}

	return map[string]function.Function{
		"log_debug": makeLogFunc(logger, zapcore.DebugLevel),
		"log_info":  makeLogFunc(logger, zapcore.InfoLevel),
		"log_warn":  makeLogFunc(logger, zapcore.WarnLevel),
		"log_error": makeLogFunc(logger, zapcore.ErrorLevel),
		"log_msg":   makeLogLevelFunc(logger),
	}
}

var fieldsParam = &function.Parameter{
	Name:      "fields",
	Type:      cty.DynamicPseudoType,
	AllowNull: true,
}

func makeLogFunc(logger *zap.Logger, level zapcore.Level) function.Function {
	return function.New(&function.Spec{
		Params:   []function.Parameter{{Name: "message", Type: cty.String}},
		VarParam: fieldsParam,
		Type:     function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			logger.Log(level, args[0].AsString(), convertArgsToZapFields(args[1:])...)
			return cty.True, nil
		},
	})
}

func makeLogLevelFunc(logger *zap.Logger) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "level", Type: cty.String},
			{Name: "message", Type: cty.String},
		},
		VarParam: fieldsParam,
		Type:     function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			level, err := zapcore.ParseLevel(args[0].AsString())
			if err != nil {
				level = zapcore.InfoLevel
			}
			logger.Log(level, args[1].AsString(), convertArgsToZapFields(args[2:])...)
			return cty.True, nil
		},
	})
}

// convertArgsToZapFields turns a single map or object argument into one
// field per key, and anything else into positional fields $1, $2 and so on.
func convertArgsToZapFields(args []cty.Value) []zap.Field {
	if len(args) == 1 && args[0].IsKnown() && !args[0].IsNull() && args[0].LengthInt() > 0 &&
		(args[0].Type().IsMapType() || args[0].Type().IsObjectType()) {
		fields := make([]zap.Field, 0, args[0].LengthInt())
		for it := args[0].ElementIterator(); it.Next(); {
			key, val := it.Element()
			fields = append(fields, convertCtyValueToZapField(key.AsString(), val))
		}
		return fields
	}

	fields := make([]zap.Field, 0, len(args))
	for i, arg := range args {
		fields = append(fields, convertCtyValueToZapField(fmt.Sprintf("$%d", i+1), arg))
	}
	return fields
}

func convertCtyValueToZapField(key string, val cty.Value) zap.Field {
	if val.IsNull() {
		return zap.String(key, "<null>")
	}
	if !val.IsKnown() {
		return zap.String(key, "<unknown>")
	}

	switch {
	case val.Type() == cty.String:
		return zap.String(key, val.AsString())
	case val.Type() == cty.Bool:
		return zap.Bool(key, val.True())
	case val.Type() == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, accuracy := bf.Int64(); accuracy == 0 {
				return zap.Int64(key, i)
			}
		}
		f, _ := bf.Float64()
		return zap.Float64(key, f)
	case val.CanIterateElements():
		var elements []string
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			elements = append(elements, ctyString(elem))
		}
		return zap.String(key, "["+strings.Join(elements, ", ")+"]")
	default:
		return zap.String(key, val.GoString())
	}
}

func ctyString(val cty.Value) string {
	switch {
	case val.IsNull():
		return "null"
	case !val.IsKnown():
		return "?"
	case val.Type() == cty.String:
		return fmt.Sprintf("%q", val.AsString())
	case val.Type() == cty.Number:
		return val.AsBigFloat().String()
	case val.Type() == cty.Bool:
		return fmt.Sprintf("%t", val.True())
	default:
		return val.GoString()
	}
}
