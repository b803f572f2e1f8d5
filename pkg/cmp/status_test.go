/*
Copyright 2021 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		value   int
		want    PKIStatus
		wantErr bool
	}{
		{name: "accepted", value: 0, want: StatusAccepted},
		{name: "waiting", value: 3, want: StatusWaiting},
		{name: "key-update-warning", value: 6, want: StatusKeyUpdateWarning},
		{name: "negative", value: -1, wantErr: true},
		{name: "above-alphabet", value: 7, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatus(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrParsePKIStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_PKIStatus_String_roundtrip(t *testing.T) {
	// Every status in the alphabet has a distinct rendering which parses
	// back to the same value.
	for s := StatusAccepted; s <= StatusKeyUpdateWarning; s++ {
		got, err := ParseStatusText(s.String())
		require.NoError(t, err, "status %d", s)
		assert.Equal(t, s, got)
	}

	_, err := ParseStatusText("PKIStatus: something else")
	assert.ErrorIs(t, err, ErrParsePKIStatus)
}

func Test_FailureInfoFromBits(t *testing.T) {
	tests := []struct {
		name    string
		bits    []int
		want    FailureInfo
		wantErr bool
	}{
		{name: "empty", bits: nil, want: 0},
		{name: "single", bits: []int{9}, want: FailBadPOP},
		{name: "multiple", bits: []int{0, 20, 26}, want: FailBadAlg | FailSignerNotTrusted | FailDuplicateCertReq},
		{name: "max", bits: []int{26}, want: FailDuplicateCertReq},
		{name: "above-max", bits: []int{27}, wantErr: true},
		{name: "negative", bits: []int{-3}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FailureInfoFromBits(tt.bits)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.bits, got.Bits())
		})
	}
}

func Test_FailureInfo_String(t *testing.T) {
	f := FailSignerNotTrusted | FailBadAlg | FailBadPOP
	assert.Equal(t, "badAlg, badPOP, signerNotTrusted", f.String())
	assert.Empty(t, FailureInfo(0).String())
}

func Test_PKIStatusInfo_String(t *testing.T) {
	tests := []struct {
		name string
		si   PKIStatusInfo
		want string
	}{
		{
			name: "accepted-plain",
			si:   PKIStatusInfo{Status: StatusAccepted},
			want: "PKIStatus: accepted",
		},
		{
			name: "rejection-no-failinfo",
			si:   PKIStatusInfo{Status: StatusRejection},
			want: "PKIStatus: rejection; <no failure info>",
		},
		{
			name: "rejection-with-bits-and-strings",
			si: PKIStatusInfo{
				Status:        StatusRejection,
				FailInfo:      FailSignerNotTrusted | FailBadRequest,
				StatusStrings: []string{"test string", "second"},
			},
			want: `PKIStatus: rejection; PKIFailureInfo: badRequest, signerNotTrusted; StatusStrings: "test string", "second"`,
		},
		{
			name: "waiting-single-string",
			si: PKIStatusInfo{
				Status:        StatusWaiting,
				StatusStrings: []string{"come back later"},
			},
			want: `PKIStatus: waiting; <no failure info>; StatusString: "come back later"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.si.String())
		})
	}
}
