// Package transform provides the ordered message transform pipeline applied
// while converting between transport deliveries and bridge messages.
//
// Each stage returns one of four results:
//   - Passed: continue with the same message
//   - Modified: continue with a new message
//   - Dropped: stop, the conversion produces no message (not an error)
//   - Failed: stop, the error is reported with the stage name
//
// Stages run in ordinal order. Ties keep registration order and stages
// without an ordinal run after all stages that have one.
//
// Example usage:
//
//	p := transform.NewPipeline()
//	_ = p.Register(transform.NewDescriptor("tenant", 10, transform.RequireHeader("tenant")))
//	_ = p.Register(transform.NewUnorderedDescriptor("strip", transform.StripHeaders("secret")))
//	p.Build()
//
//	msg, ok, err := p.Apply(in, transform.Inbound)
//
// Configuration refers to built-in transforms by name through a Catalog.
package transform
