// Package cocoon provides a sandboxed runtime for untrusted JavaScript
// handler scripts.
//
// # Overview
//
// Handlers run inside pooled, hardened interpreter instances with zero
// default capabilities. Every host operation ($state, $emit, $view,
// $ext) is gated by an explicit grant, and every execution is bounded
// by hard limits on interpreter time, heap growth, and host calls.
//
// An $ext.call does not block the host: the handler suspends, its
// effects so far are flushed to the caller, and the host resumes it in
// place once the real I/O finishes.
//
// # Basic Usage
//
//	eng, _ := executor.New()
//	defer eng.Close()
//
//	res, _ := eng.Execute(ctx,
//	    `$state.set("counter", $state.get("counter") + 1)`,
//	    &handler.Context{
//	        PanelID:     "panel-1",
//	        HandlerName: "onClick",
//	        State:       map[string]value.Value{"counter": value.Number(5)},
//	        Grants:      []string{"state:read:*", "state:write:*"},
//	    })
//	fmt.Println(res.Effects.StateMutations)
//
// # Driving Suspensions
//
//	reg := extension.NewRegistry()
//	reg.Register("kv", extension.NewKV(extension.DefaultKVConfig()))
//
//	steps, _ := extension.Drive(ctx, eng, code, ectx, reg)
//
// See the [executor], [handler], [extension], and [capability] packages
// for detailed API documentation.
package cocoon
