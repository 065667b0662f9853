package dependencies

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/apiclient/mocks"
)

const dependencyGraphML = `<?xml version="1.0" encoding="utf-8"?>
<graphml xmlns="http://graphml.graphdrawing.org/xmlns">
  <graph id="EdFi Dependencies" edgedefault="directed">
    <node id="/ed-fi/localEducationAgencies" />
    <node id="/ed-fi/schools" />
    <node id="/ed-fi/students" />
    <node id="/ed-fi/studentSchoolAssociations" />
    <edge source="/ed-fi/localEducationAgencies" target="/ed-fi/schools" />
    <edge source="/ed-fi/schools" target="/ed-fi/studentSchoolAssociations" />
    <edge source="/ed-fi/students" target="/ed-fi/studentSchoolAssociations" />
  </graph>
</graphml>`

func TestParseGraphML(t *testing.T) {
	t.Parallel()

	raw, err := ParseGraphML([]byte(dependencyGraphML))
	require.NoError(t, err)

	assert.Len(t, raw, 4)
	assert.Empty(t, raw["/ed-fi/localEducationAgencies"])
	assert.Equal(t, []string{"/ed-fi/localEducationAgencies"}, raw["/ed-fi/schools"])
	assert.ElementsMatch(t, []string{"/ed-fi/schools", "/ed-fi/students"}, raw["/ed-fi/studentSchoolAssociations"])
}

func TestParseGraphML_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "not xml", data: `{"resources":[]}`},
		{name: "no graph", data: `<graphml></graphml>`},
		{name: "edge without endpoints", data: `<graphml><graph><edge source="/a" /></graph></graphml>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseGraphML([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestMetadataProvider_Dependencies(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	client.EXPECT().MetadataPath(DefaultMetadataEndpoint).Return("/metadata/data/v3/dependencies")
	client.EXPECT().Name().Return("target").AnyTimes()
	client.EXPECT().
		GetDocument(gomock.Any(), "/metadata/data/v3/dependencies", GraphMLContentType).
		Return(&apiclient.Response{StatusCode: http.StatusOK, Body: []byte(dependencyGraphML)}, nil)

	g, err := NewMetadataProvider(client).Dependencies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"/ed-fi/localEducationAgencies"}, g.Dependencies("/ed-fi/schools"))
}

func TestMetadataProvider_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		resp    *apiclient.Response
		err     error
		message string
	}{
		{
			name:    "transport error",
			err:     errors.New("connection refused"),
			message: "connection refused",
		},
		{
			name:    "unexpected status",
			resp:    &apiclient.Response{StatusCode: http.StatusUnauthorized, Body: []byte("denied")},
			message: "HTTP 401",
		},
		{
			name: "cyclic metadata",
			resp: &apiclient.Response{StatusCode: http.StatusOK, Body: []byte(
				`<graphml><graph><node id="a"/><node id="b"/>` +
					`<edge source="a" target="b"/><edge source="b" target="a"/></graph></graphml>`)},
			message: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			client := mocks.NewMockClient(ctrl)
			client.EXPECT().MetadataPath(gomock.Any()).Return("/metadata/data/v3/dependencies")
			client.EXPECT().Name().Return("target").AnyTimes()
			client.EXPECT().GetDocument(gomock.Any(), gomock.Any(), gomock.Any()).Return(tt.resp, tt.err)

			_, err := NewMetadataProvider(client).Dependencies(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	g, err := StaticProvider{"a": nil, "b": {"a"}}.Dependencies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))

	_, err = StaticProvider{"a": {"b"}, "b": {"a"}}.Dependencies(context.Background())
	require.ErrorIs(t, err, ErrCycle)
}
