package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyType(t *testing.T) {
	tests := []struct {
		declared string
		want     TypeClass
	}{
		{"VARCHAR(10)", StringType},
		{"text", StringType},
		{"character varying(255)", StringType},
		{"INT", NumericType},
		{"int4", NumericType},
		{"bigint unsigned", NumericType},
		{"DECIMAL(10,2)", NumericType},
		{"double precision", NumericType},
		{"DATE", TemporalType},
		{"timestamp with time zone", TemporalType},
		{"TIME", TemporalType},
		{"boolean", BooleanType},
		{"uuid", UnknownType},
		{"integer[]", UnknownType},
		{"varchar(20)[]", UnknownType},
		{"timestamp[] ", UnknownType},
		{"atype", UnknownType},
		{"", UnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyType(tt.declared))
		})
	}
}

func TestSQLDefault(t *testing.T) {
	tests := []struct {
		name   string
		column Column
		want   string
	}{
		{"string", Column{Name: "a", Type: "VARCHAR(10)"}, "'hello'"},
		{"integer", Column{Name: "a", Type: "INT"}, "0"},
		{"nullable wins over type", Column{Name: "a", Type: "INT", Nullable: true}, "NULL"},
		{"declared default wins", Column{Name: "a", Type: "DATE", Default: strPtr("bananas")}, "'bananas'"},
		{"numeric default kept", Column{Name: "a", Type: "INT", Default: strPtr("42")}, "42"},
		{"expression default kept", Column{Name: "a", Type: "TIMESTAMP", Default: strPtr("now()")}, "now()"},
		{"keyword default kept", Column{Name: "a", Type: "TIMESTAMP", Default: strPtr("CURRENT_TIMESTAMP")}, "CURRENT_TIMESTAMP"},
		{"quoted default kept", Column{Name: "a", Type: "TEXT", Default: strPtr("'x'")}, "'x'"},
		{"default is escaped", Column{Name: "a", Type: "TEXT", Default: strPtr("it's")}, "'it''s'"},
		{"date", Column{Name: "a", Type: "DATE"}, "current_date"},
		{"time", Column{Name: "a", Type: "time without time zone"}, "current_time"},
		{"timestamp", Column{Name: "a", Type: "TIMESTAMP"}, "current_timestamp"},
		{"datetime", Column{Name: "a", Type: "DATETIME"}, "current_timestamp"},
		{"boolean", Column{Name: "a", Type: "BOOLEAN"}, "false"},
		{"unknown", Column{Name: "a", Type: "atype"}, ""},
		{"array", Column{Name: "a", Type: "integer[]"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SQLDefault(tt.column))
		})
	}
}

func TestDatabase_InsertStatement(t *testing.T) {
	db := newTestDatabase(time.Now())

	assert.Equal(t, "insert into foo (first, second, third) values ('hello', 0, 'bananas')", db.InsertStatement("foo"))
	assert.Equal(t, "insert into bar (thing) values (NULL)", db.InsertStatement("bar"))
	assert.Equal(t, "", db.InsertStatement("nope"))
}

func TestTypeClass_String(t *testing.T) {
	assert.Equal(t, "temporal", TemporalType.String())
	assert.Equal(t, "unknown", TypeClass(99).String())
}
