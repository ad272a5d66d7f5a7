package functions

import (
	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/gocty"
)

// TypeOfFunc returns the friendly name of the type of a given value
var TypeOfFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "value", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(args[0].Type().FriendlyName()), nil
	},
})

// QueueNameFunc returns the broker queue name for a display, or the queue of
// connection id when an id is given: queuename(":0") or queuename(":0", 42).
var QueueNameFunc = function.New(&function.Spec{
	Description: "Returns the message queue name for a display and optional connection id",
	Params: []function.Parameter{
		{Name: "display", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "id", Type: cty.Number},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		display := args[0].AsString()
		if len(args) == 1 {
			return cty.StringVal(transport.ServerQueueName(display)), nil
		}

		var id int
		if err := gocty.FromCtyValue(args[1], &id); err != nil {
			return cty.NilVal, function.NewArgError(1, err)
		}
		return cty.StringVal(transport.ConnectionQueueName(display, id)), nil
	},
})
