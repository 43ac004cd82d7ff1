package hhtypes_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bolt-hhm.dev/hhm/internal/hhtypes"
)

func TestMutationIsEmpty(t *testing.T) {
	assert.True(t, (*hhtypes.Mutation)(nil).IsEmpty())
	assert.True(t, (&hhtypes.Mutation{}).IsEmpty())
	assert.True(t, (&hhtypes.Mutation{Families: []hhtypes.ColumnFamily{{Name: "a"}}}).IsEmpty())
	assert.False(t, (&hhtypes.Mutation{Families: []hhtypes.ColumnFamily{{Name: "a", Columns: []byte("x")}}}).IsEmpty())
}

func TestMutationMinGraceWindow(t *testing.T) {
	_, ok := (&hhtypes.Mutation{}).MinGraceWindow()
	assert.False(t, ok)

	m := &hhtypes.Mutation{Families: []hhtypes.ColumnFamily{
		{Name: "a", GraceWindow: 30 * time.Second},
		{Name: "b", GraceWindow: 10 * time.Second},
	}}
	min, ok := m.MinGraceWindow()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, min)
}

func TestNewHintIDsAreMonotonicallyOrdered(t *testing.T) {
	first, err := hhtypes.NewHintID()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := hhtypes.NewHintID()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 7, int(second[6]>>4), "must be a UUIDv7")
}

func TestHintRowWriteTimeMillis(t *testing.T) {
	row := hhtypes.HintRow{WriteTimeMicros: 1_234_567}
	assert.Equal(t, int64(1234), row.WriteTimeMillis())
}
