// Package services assembles the itemforge runtime from configuration.
//
// Build creates the store, provider clients, per-agent invokers, pipeline
// nodes, injection gate, event publisher, dispatcher and scheduler in
// dependency order. Use the Registry accessors to reach individual services
// and Close to release them in reverse order.
package services
