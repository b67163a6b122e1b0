package builtin

import (
	"context"

	toolcore "github.com/harunnryd/mnemo/internal/tool"
)

func init() {
	toolcore.RegisterBuiltin("get_user_preferred_name", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Profiles == nil {
			return nil, nil
		}
		schema := toolcore.Schema{
			Name:        "get_user_preferred_name",
			Description: "Returns the user's preferred name, or Unknown if it has not been set.",
		}
		return newTool(schema, func(_ context.Context, userID string, _ struct{}) (string, error) {
			p, err := o.Profiles.Get(userID)
			if err != nil {
				return "", err
			}
			if p.PreferredName == "" {
				return "Unknown", nil
			}
			return p.PreferredName, nil
		}), nil
	})

	toolcore.RegisterBuiltin("set_user_preferred_name", func(o toolcore.BuiltinOptions) (toolcore.Tool, error) {
		if o.Profiles == nil {
			return nil, nil
		}
		schema := toolcore.Schema{
			Name:        "set_user_preferred_name",
			Description: "Sets the name the user prefers to be called. Only call this when the user states it explicitly.",
			Params: []toolcore.Param{
				str("preferred_name", "The name the user prefers", true),
			},
		}
		return newTool(schema, func(_ context.Context, userID string, in struct {
			PreferredName string `json:"preferred_name"`
		}) (string, error) {
			p, err := o.Profiles.SetPreferredName(userID, in.PreferredName)
			if err != nil {
				return "", err
			}
			return "Set user preferred name to " + p.PreferredName, nil
		}), nil
	})
}
