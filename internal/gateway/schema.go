// Package gateway is the Persistence Gateway (C1): typed operations over
// node, chassis, port, and conductor tables, backed by an in-memory,
// indexed, snapshot-isolated store. The two reservation primitives are the
// only correctness-critical operations; everything else is CRUD.
package gateway

import "github.com/hashicorp/go-memdb"

const (
	tableNodes      = "nodes"
	tableChassis    = "chassis"
	tablePorts      = "ports"
	tableConductors = "conductors"

	indexID   = "id"
	indexUUID = "uuid"
	indexNode = "node"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableNodes: {
				Name: tableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					indexUUID: {
						Name:    indexUUID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "UUID"},
					},
				},
			},
			tableChassis: {
				Name: tableChassis,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "UUID"},
					},
				},
			},
			tablePorts: {
				Name: tablePorts,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "UUID"},
					},
					indexNode: {
						Name:    indexNode,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "NodeID"},
					},
				},
			},
			tableConductors: {
				Name: tableConductors,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Hostname"},
					},
				},
			},
		},
	}
}
