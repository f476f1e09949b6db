// Package database opens the relational store and manages its connection
// pool. Supported drivers are postgres, mysql, and the pure-Go sqlite
// build. PoolManager adds pool limits, periodic health checks, and
// transaction helpers with retry for transient failures.
package database
