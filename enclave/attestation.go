package enclave

import (
	"bytes"
	"encoding/hex"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// AttestationProvider produces proof-of-trust data binding 64 bytes of report
// data to the platform the worker runs on.
type AttestationProvider interface {
	// AttestationType identifies the proof data format ("TEE-DCAP",
	// "TEE-SIMULATED", ...), published in the worker descriptor.
	AttestationType() string

	// Attest produces a quote over the given report data.
	Attest(reportData [64]byte) ([]byte, error)
}

// DCAPAttestationProvider produces TDX DCAP quotes through the local quote
// provider, preferring the configfs interface over the legacy device.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() string { return "TEE-DCAP" }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// SimulatedAttestationProvider produces unverifiable placeholder quotes for
// development outside a TEE.
type SimulatedAttestationProvider struct{}

func (SimulatedAttestationProvider) AttestationType() string { return "TEE-SIMULATED" }

func (SimulatedAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("simulated quote over %x", reportData)), nil
}

// VerifyDCAPQuote verifies a DCAP quote against the expected report data and
// returns the platform measurement registers, indexed the way the worker
// descriptor's extendedMeasurements field expects them.
func VerifyDCAPQuote(reportData [64]byte, quote []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
	}

	return measurements, nil
}
