package pgbp

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestStatusJSON(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{status: Requested, expected: `"REQUESTED"`},
		{status: Authorizing, expected: `"AUTHORIZING"`},
		{status: Granted, expected: `"GRANTED"`},
		{status: Settled, expected: `"SETTLED"`},
		{status: Expired, expected: `"EXPIRED"`},
	}

	for _, test := range tests {
		jsonStatus, err := json.Marshal(test.status)
		if err != nil {
			t.Fatalf("unexpected error marshaling status: %v", err)
		}
		if string(jsonStatus) != test.expected {
			t.Fatalf("expected '%v' but got '%s'", test.expected, jsonStatus)
		}

		var status Status
		if err := json.Unmarshal(jsonStatus, &status); err != nil {
			t.Fatalf("unexpected error unmarshaling status: %v", err)
		}
		if status != test.status {
			t.Fatalf("expected status '%v' but got '%v'", test.status, status)
		}
	}

	var status Status
	if err := json.Unmarshal([]byte(`"PAID"`), &status); err == nil {
		t.Fatal("expected error unmarshaling unknown status")
	}
}

func TestEventFilterMatch(t *testing.T) {
	event := Event{
		Seq:       5,
		Kind:      AuthRequestEvent,
		RequestId: "0xabc",
		Requester: "02aa",
	}

	tests := []struct {
		filter   EventFilter
		expected bool
	}{
		{filter: EventFilter{}, expected: true},
		{filter: EventFilter{FromSeq: 5}, expected: true},
		{filter: EventFilter{FromSeq: 6}, expected: false},
		{filter: EventFilter{Requester: "02aa"}, expected: true},
		{filter: EventFilter{Requester: "02bb"}, expected: false},
		{filter: EventFilter{RequestId: "0xabc"}, expected: true},
		{filter: EventFilter{RequestId: "0xdef"}, expected: false},
		{filter: EventFilter{Kinds: []EventKind{MintRequestEvent, AuthRequestEvent}}, expected: true},
		{filter: EventFilter{Kinds: []EventKind{PaymentCompleteEvent}}, expected: false},
		{filter: EventFilter{Requester: "02aa", RequestId: "0xdef"}, expected: false},
	}

	for i, test := range tests {
		if match := test.filter.Match(event); match != test.expected {
			t.Fatalf("test %v: expected match '%v' but got '%v'", i, test.expected, match)
		}
	}
}

func TestToWei(t *testing.T) {
	tests := []struct {
		amount      string
		expected    string
		expectedErr error
	}{
		{amount: "1", expected: "1000000000000000000"},
		{amount: "1.2", expected: "1200000000000000000"},
		{amount: "0.000000000000000001", expected: "1"},
		{amount: "100", expected: "100000000000000000000"},
		{amount: "0.0000000000000000001", expectedErr: ErrAmountPrecision},
		{amount: "-1", expectedErr: ErrNegativeAmount},
		{amount: "abc", expectedErr: ErrInvalidAmountStr},
	}

	for _, test := range tests {
		wei, err := ToWei(test.amount, TokenDecimals)
		if test.expectedErr != nil {
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wei.Dec() != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, wei.Dec())
		}
	}
}

func TestToDecimal(t *testing.T) {
	tests := []struct {
		wei      *uint256.Int
		expected string
	}{
		{wei: uint256.NewInt(0), expected: "0"},
		{wei: uint256.NewInt(1), expected: "0.000000000000000001"},
		{wei: uint256.NewInt(1200000000000000000), expected: "1.2"},
		{wei: nil, expected: "0"},
	}

	for _, test := range tests {
		if decimal := ToDecimal(test.wei, TokenDecimals); decimal != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, decimal)
		}
	}
}

func TestMintRequestPayloadValidate(t *testing.T) {
	valid := MintRequestPayload{
		InstitutionId: "natwest-sandbox",
		SortCode:      "500000",
		AccountNumber: "12345678",
		Name:          "Jane Doe",
		PublicKey:     "sd3anNO1KATzFua1N8v670lkuM+q6oFDT36fMPyvrzc=",
	}

	tests := []struct {
		payload     func() MintRequestPayload
		expectedErr error
	}{
		{payload: func() MintRequestPayload { return valid }, expectedErr: nil},
		{
			payload:     func() MintRequestPayload { p := valid; p.SortCode = "50000"; return p },
			expectedErr: ErrInvalidSortCode,
		},
		{
			payload:     func() MintRequestPayload { p := valid; p.SortCode = "50-000"; return p },
			expectedErr: ErrInvalidSortCode,
		},
		{
			payload:     func() MintRequestPayload { p := valid; p.AccountNumber = "1234567a"; return p },
			expectedErr: ErrInvalidAccountNumber,
		},
		{
			payload:     func() MintRequestPayload { p := valid; p.Name = " "; return p },
			expectedErr: ErrMissingField,
		},
	}

	for _, test := range tests {
		if err := test.payload().Validate(); !errors.Is(err, test.expectedErr) {
			t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
		}
	}
}

func TestSigningMessage(t *testing.T) {
	msg1 := SigningMessage(AuthRequestOp, 100, []byte("ab"), []byte("c"))
	msg2 := SigningMessage(AuthRequestOp, 100, []byte("a"), []byte("bc"))
	if bytes.Equal(msg1, msg2) {
		t.Fatal("expected different messages for different part boundaries")
	}

	msg3 := SigningMessage(AuthGrantedOp, 100, []byte("ab"), []byte("c"))
	if bytes.Equal(msg1, msg3) {
		t.Fatal("expected different messages for different operations")
	}

	msg4 := SigningMessage(AuthRequestOp, 101, []byte("ab"), []byte("c"))
	if bytes.Equal(msg1, msg4) {
		t.Fatal("expected different messages for different timestamps")
	}
}

func TestRequestMessageBindsAuth(t *testing.T) {
	auth := CallerAuth{Caller: "02aa", Timestamp: 100, Nonce: "01"}
	request := PostPaymentCompleteRequest{CallerAuth: auth, Id: "0x1"}
	msg := request.Message()

	otherNonce := request
	otherNonce.Nonce = "02"
	if bytes.Equal(msg, otherNonce.Message()) {
		t.Fatal("expected different messages for different nonces")
	}

	otherCaller := request
	otherCaller.Caller = "02bb"
	if bytes.Equal(msg, otherCaller.Message()) {
		t.Fatal("expected different messages for different callers")
	}

	// the signature is not part of the message
	signed := request
	signed.Signature = "ff"
	if !bytes.Equal(msg, signed.Message()) {
		t.Fatal("expected signature to be excluded from the message")
	}

	pause := PostPauseRequest{CallerAuth: auth}
	if bytes.Equal(pause.Message(PauseOp), pause.Message(UnpauseOp)) {
		t.Fatal("expected pause and unpause messages to differ")
	}
}

func TestErrorIs(t *testing.T) {
	var err error = NotFoundErr
	wrapped := errors.Join(errors.New("lookup"), err)
	if !errors.Is(wrapped, NotFoundErr) {
		t.Fatal("expected wrapped error to match NotFoundErr")
	}
	if errors.Is(err, ExpiredErr) {
		t.Fatal("NotFoundErr should not match ExpiredErr")
	}
}
