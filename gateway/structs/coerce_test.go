package structs

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/inlogic/gateway/ci"
)

func TestCoerce_Bool(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		in   any
		want bool
	}{
		{true, true},
		{"true", true},
		{"sim", true},
		{"1", true},
		{"on", true},
		{"não", false},
		{"nao", false},
		{"0", false},
		{"off", false},
		{float64(0), false},
		{float64(3), true},
		{int64(1), true},
	}
	for _, tc := range cases {
		got, err := Coerce(tc.in, KindBool)
		must.NoError(t, err)
		must.Eq(t, tc.want, got.(bool), must.Sprintf("input %v", tc.in))
	}

	_, err := Coerce("talvez", KindBool)
	require.Error(t, err)
	require.Equal(t, ErrKindCoercion, KindOf(err))
}

func TestCoerce_Int(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		in   any
		want int64
	}{
		{42, 42},
		{int64(7), 7},
		{"17", 17},
		{"17.0", 17},
		{float64(3.9), 3},
		{true, 1},
		{false, 0},
	}
	for _, tc := range cases {
		got, err := Coerce(tc.in, KindInt)
		must.NoError(t, err)
		must.Eq(t, tc.want, got.(int64), must.Sprintf("input %v", tc.in))
	}

	_, err := Coerce("abc", KindInt)
	require.Error(t, err)
}

func TestCoerce_Float(t *testing.T) {
	ci.Parallel(t)

	got, err := Coerce("12,5", KindFloat)
	must.NoError(t, err)
	must.Eq(t, 12.5, got.(float64))

	got, err = Coerce(3, KindFloat)
	must.NoError(t, err)
	must.Eq(t, 3.0, got.(float64))

	_, err = Coerce("x", KindFloat)
	require.Error(t, err)
}

func TestCoerce_String(t *testing.T) {
	ci.Parallel(t)

	got, err := Coerce(42, KindString)
	must.NoError(t, err)
	must.Eq(t, "42", got.(string))
}

func TestCoerce_KindAliases(t *testing.T) {
	ci.Parallel(t)

	got, err := Coerce("9", DataKind("int16"))
	must.NoError(t, err)
	must.Eq(t, int64(9), got.(int64))

	got, err = Coerce("1.5", DataKind("real"))
	must.NoError(t, err)
	must.Eq(t, 1.5, got.(float64))
}
