package streamclient

import (
	"github.com/stretchr/testify/mock"
)

type mockTokenProvider struct {
	mock.Mock
}

func (m *mockTokenProvider) CurrentAuthToken() (string, bool) {
	args := m.Called()
	return args.String(0), args.Bool(1)
}
