package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

func TestDecodeRules(t *testing.T) {
	rules, err := decodeRules([]byte(`[{"provider":"aws","match":"^lake-","regex":true,"category":"Data Lake"}]`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, api.ProviderAWS, rules[0].Provider)
	assert.True(t, rules[0].Regex)
	assert.Equal(t, "Data Lake", rules[0].Category)

	rules, err = decodeRules([]byte(`[]`))
	require.NoError(t, err)
	assert.Nil(t, rules)

	_, err = decodeRules([]byte(`{`))
	assert.Error(t, err)
}

func TestIsUndefinedTable(t *testing.T) {
	assert.True(t, isUndefinedTable(fmt.Errorf("query: %w", &pq.Error{Code: codeUndefinedTable})))
	assert.False(t, isUndefinedTable(&pq.Error{Code: "23505"}))
	assert.False(t, isUndefinedTable(nil))
}

func TestSaveRejectsInvalidPreferences(t *testing.T) {
	// validation runs before any database access
	s, err := Open("postgres://localhost:1/none?sslmode=disable")
	require.NoError(t, err)
	defer s.Close()

	err = s.Save(context.Background(), api.ClientPreferences{ClientID: "acme", RiskTolerance: "reckless"})
	require.Error(t, err)
	assert.Equal(t, ierrors.KindConfiguration, ierrors.KindOf(err))
}
