// Package repository wraps the gorm data access for executions, traces,
// logs and the stored crew/flow definitions. All methods return typed
// errors from the types package.
package repository
