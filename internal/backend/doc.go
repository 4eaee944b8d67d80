// Package backend defines the worker factory interface through which
// domain-specific enrichment logic is injected, along with the task types and
// typed failures exchanged between the lifecycle manager and implementations.
package backend
