package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAdminCommandTranslatesEachShellVerb(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"create-circuit", "c1", "a,b", "echo-1"}, "CREATE_CIRCUIT c1 a,b echo-1"},
		{[]string{"add-service", "c1", "echo-2"}, "ADD_SERVICE c1 echo-2"},
		{[]string{"remove-service", "c1", "echo-2"}, "REMOVE_SERVICE c1 echo-2"},
		{[]string{"remove-circuit", "c1"}, "REMOVE_CIRCUIT c1"},
		{[]string{"raw", "CREATE_CIRCUIT", "c1", "a", "b"}, "CREATE_CIRCUIT c1 a b"},
	}
	for _, tc := range cases {
		got, err := buildAdminCommand(tc.args)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestBuildAdminCommandRejectsWrongArgCount(t *testing.T) {
	_, err := buildAdminCommand([]string{"create-circuit", "only-one-arg"})
	require.Error(t, err)
}

func TestBuildAdminCommandRejectsUnknownVerb(t *testing.T) {
	_, err := buildAdminCommand([]string{"frobnicate", "x"})
	require.Error(t, err)
}

func TestBuildAdminCommandRawRequiresText(t *testing.T) {
	_, err := buildAdminCommand([]string{"raw"})
	require.Error(t, err)
}
