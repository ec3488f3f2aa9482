// Package models defines the persistent entities of the tabflow core:
// registered collections, functions and tables with their immutable
// versions, and the execution-planning rows (executions, transactions,
// function runs, table data versions, requirements) materialized for
// every manual trigger.
package models
