// Package mocks provides gomock implementations of the provider interfaces
// for tests that need to script upstream behavior.
//
// To regenerate after interface changes, run:
//
//	go generate ./pkg/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	client := mocks.NewMockClient(ctrl)
//	client.EXPECT().Name().Return("openai").AnyTimes()
//	client.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(resp, nil)
package mocks

// Client and Stream from pkg/provider.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=provider_mock.go github.com/pario-ai/jobmeter/pkg/provider Client,Stream
