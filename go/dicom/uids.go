// Package dicom implements the DICOM Upper Layer protocol: PDU framing,
// association negotiation, P-DATA-TF assembly, and the DIMSE command
// subset (C-ECHO, C-STORE) the connectors need.
package dicom

// Well-known UIDs.
const (
	// ApplicationContextName identifies the DICOM application context,
	// fixed by PS3.7 A.2.1.
	ApplicationContextName = "1.2.840.10008.3.1.1.1"

	// VerificationSOPClass is the C-ECHO service class.
	VerificationSOPClass = "1.2.840.10008.1.1"

	// ImplicitVRLittleEndian is the default transfer syntax every
	// conformant implementation supports.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian is offered by most modalities alongside the
	// default syntax.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	implementationClassUID = "1.2.826.0.1.3680043.10.1457.1"
	implementationVersion  = "MERIDIAN_001"
)

// DefaultMaxPDU is the PDU size offered when the connector does not
// configure one.
const DefaultMaxPDU uint32 = 16 * 1024
