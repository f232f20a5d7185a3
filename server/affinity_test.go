package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequiresAffinity(t *testing.T) {
	cases := []struct {
		sql  string
		want bool
	}{
		{"CREATE TEMPORARY TABLE scratch (id INT)", true},
		{"create temp table scratch (id int)", true},
		{"CREATE GLOBAL TEMPORARY TABLE scratch (id INT)", true},
		{"DECLARE GLOBAL TEMPORARY TABLE scratch (id INT)", true},
		{"  CREATE TABLE #t (id INT)", true},
		{"CREATE TABLE ##t (id INT)", false},
		{"SET @counter = 1", true},
		{"SET SESSION sql_mode = 'ANSI'", true},
		{"SET LOCAL statement_timeout = 1000", true},
		{"PREPARE plan AS SELECT 1", true},
		{"prepare stmt FROM 'SELECT ?'", true},
		{"SELECT * FROM accounts", false},
		{"INSERT INTO t(id) VALUES(1)", false},
		{"CREATE TABLE permanent (id INT)", false},
		{"UPDATE t SET name = 'x'", false},
		{"SETTLEMENT_REPORT", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, RequiresAffinity(tc.sql), "sql: %q", tc.sql)
	}
}

func TestAffinityOnlyInspectsPrefix(t *testing.T) {
	long := "SELECT 1 FROM t WHERE note = 'x' " + strings.Repeat("OR note = 'SET @y' ", 50)
	assert.False(t, RequiresAffinity(long), "markers past the prefix window are data, not statements")
}
