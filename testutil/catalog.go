// Package testutil provides deterministic catalog fixtures shared by
// package tests across the repository.
package testutil

import (
	"cartcore/pkg/domain"
)

// Catalog returns the standard product fixture:
//
//	p1: $10.00, stock 4
//	p2: $25.50, stock 10
//	p3: zero stock
//	p4: unavailable
func Catalog() domain.MapSnapshot {
	return domain.MapSnapshot{
		"p1": {ID: "p1", Price: 10, StockCount: 4, Available: true},
		"p2": {ID: "p2", Price: 25.5, StockCount: 10, Available: true},
		"p3": {ID: "p3", Price: 5, StockCount: 0, Available: true},
		"p4": {ID: "p4", Price: 7, StockCount: 3, Available: false},
	}
}

// StaticProvider returns a domain.CatalogProvider that always serves snap.
func StaticProvider(snap domain.CatalogSnapshot) domain.CatalogProvider {
	return staticProvider{snap: snap}
}

type staticProvider struct {
	snap domain.CatalogSnapshot
}

func (p staticProvider) Snapshot() (domain.CatalogSnapshot, error) { return p.snap, nil }

// FailingProvider returns a provider whose Snapshot always errors.
func FailingProvider(err error) domain.CatalogProvider {
	return failingProvider{err: err}
}

type failingProvider struct {
	err error
}

func (p failingProvider) Snapshot() (domain.CatalogSnapshot, error) { return nil, p.err }
