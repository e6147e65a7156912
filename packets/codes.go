// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a reason code and reason string for a response.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

// IsError returns true if the code byte is in the MQTT v5 error range (0x80 and above).
func (c Code) IsError() bool {
	return c.Code >= 0x80
}

// CodeSet is a set of reason codes which are valid for a specific packet type, keyed on code byte.
type CodeSet map[byte]Code

// Contains returns true if the code byte of c is a member of the set.
func (s CodeSet) Contains(c Code) bool {
	_, ok := s[c.Code]
	return ok
}

// Get returns the canonical code for a code byte.
func (s CodeSet) Get(b byte) (Code, bool) {
	c, ok := s[b]
	return c, ok
}

func newCodeSet(codes ...Code) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		s[c.Code] = c
	}
	return s
}

var (
	// QosCodes indicates the reason codes for each Qos byte.
	QosCodes = map[byte]Code{
		0: CodeGrantedQos0,
		1: CodeGrantedQos1,
		2: CodeGrantedQos2,
	}

	CodeSuccess                            = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect                         = Code{Code: 0x00, Reason: "disconnected"}
	CodeGrantedQos0                        = Code{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1                        = Code{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2                        = Code{Code: 0x02, Reason: "granted qos 2"}
	CodeDisconnectWillMessage              = Code{Code: 0x04, Reason: "disconnect with will message"}
	CodeNoMatchingSubscribers              = Code{Code: 0x10, Reason: "no matching subscribers"}
	ErrUnspecifiedError                    = Code{Code: 0x80, Reason: "unspecified error"}
	ErrMalformedPacket                     = Code{Code: 0x81, Reason: "malformed packet"}
	ErrProtocolViolation                   = Code{Code: 0x82, Reason: "protocol violation"}
	ErrImplementationSpecificError         = Code{Code: 0x83, Reason: "implementation specific error"}
	ErrUnsupportedProtocolVersion          = Code{Code: 0x84, Reason: "unsupported protocol version"}
	ErrClientIdentifierNotValid            = Code{Code: 0x85, Reason: "client identifier not valid"}
	ErrBadUsernameOrPassword               = Code{Code: 0x86, Reason: "bad username or password"}
	ErrNotAuthorized                       = Code{Code: 0x87, Reason: "not authorized"}
	ErrServerUnavailable                   = Code{Code: 0x88, Reason: "server unavailable"}
	ErrServerBusy                          = Code{Code: 0x89, Reason: "server busy"}
	ErrBanned                              = Code{Code: 0x8A, Reason: "banned"}
	ErrServerShuttingDown                  = Code{Code: 0x8B, Reason: "server shutting down"}
	ErrBadAuthenticationMethod             = Code{Code: 0x8C, Reason: "bad authentication method"}
	ErrKeepAliveTimeout                    = Code{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver                    = Code{Code: 0x8E, Reason: "session takeover"}
	ErrTopicFilterInvalid                  = Code{Code: 0x8F, Reason: "topic filter invalid"}
	ErrTopicNameInvalid                    = Code{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierInUse               = Code{Code: 0x91, Reason: "packet identifier in use"}
	ErrReceiveMaximum                      = Code{Code: 0x93, Reason: "receive maximum exceeded"}
	ErrTopicAliasInvalid                   = Code{Code: 0x94, Reason: "topic alias invalid"}
	ErrPacketTooLarge                      = Code{Code: 0x95, Reason: "packet too large"}
	ErrMessageRateTooHigh                  = Code{Code: 0x96, Reason: "message rate too high"}
	ErrQuotaExceeded                       = Code{Code: 0x97, Reason: "quota exceeded"}
	ErrAdministrativeAction                = Code{Code: 0x98, Reason: "administrative action"}
	ErrPayloadFormatInvalid                = Code{Code: 0x99, Reason: "payload format invalid"}
	ErrRetainNotSupported                  = Code{Code: 0x9A, Reason: "retain not supported"}
	ErrQosNotSupported                     = Code{Code: 0x9B, Reason: "qos not supported"}
	ErrUseAnotherServer                    = Code{Code: 0x9C, Reason: "use another server"}
	ErrServerMoved                         = Code{Code: 0x9D, Reason: "server moved"}
	ErrSharedSubscriptionsNotSupported     = Code{Code: 0x9E, Reason: "shared subscriptions not supported"}
	ErrConnectionRateExceeded              = Code{Code: 0x9F, Reason: "connection rate exceeded"}
	ErrMaxConnectTime                      = Code{Code: 0xA0, Reason: "maximum connect time"}
	ErrSubscriptionIdentifiersNotSupported = Code{Code: 0xA1, Reason: "subscription identifiers not supported"}
	ErrWildcardSubscriptionsNotSupported   = Code{Code: 0xA2, Reason: "wildcard subscriptions not supported"}

	// MQTTv3 specific bytes.
	Err3UnsupportedProtocolVersion = Code{Code: 0x01}
	Err3ClientIdentifierNotValid   = Code{Code: 0x02}
	Err3ServerUnavailable          = Code{Code: 0x03}
	ErrMalformedUsernameOrPassword = Code{Code: 0x04}
	Err3NotAuthorized              = Code{Code: 0x05}
	Err3SubackFailure              = Code{Code: 0x80}

	// V5CodesToV3 maps MQTTv5 Connack reason codes to MQTTv3 return codes.
	// This is required because MQTTv3 has different return byte specification.
	// See http://docs.oasis-open.org/mqtt/mqtt/v3.1.1/os/mqtt-v3.1.1-os.html#_Toc385349257
	V5CodesToV3 = map[Code]Code{
		ErrUnsupportedProtocolVersion: Err3UnsupportedProtocolVersion,
		ErrClientIdentifierNotValid:   Err3ClientIdentifierNotValid,
		ErrServerUnavailable:          Err3ServerUnavailable,
		ErrBadUsernameOrPassword:      Err3NotAuthorized,
		ErrNotAuthorized:              Err3NotAuthorized,
	}

	// ConnackCodes are the reason codes which may be sent in a CONNACK packet.
	ConnackCodes = newCodeSet(
		CodeSuccess,
		ErrUnspecifiedError,
		ErrMalformedPacket,
		ErrProtocolViolation,
		ErrImplementationSpecificError,
		ErrUnsupportedProtocolVersion,
		ErrClientIdentifierNotValid,
		ErrBadUsernameOrPassword,
		ErrNotAuthorized,
		ErrServerUnavailable,
		ErrServerBusy,
		ErrBanned,
		ErrBadAuthenticationMethod,
		ErrTopicNameInvalid,
		ErrPacketTooLarge,
		ErrQuotaExceeded,
		ErrPayloadFormatInvalid,
		ErrRetainNotSupported,
		ErrQosNotSupported,
		ErrUseAnotherServer,
		ErrServerMoved,
		ErrConnectionRateExceeded,
	)

	// AckCodes are the reason codes which may be sent in a PUBACK or PUBREC packet.
	AckCodes = newCodeSet(
		CodeSuccess,
		CodeNoMatchingSubscribers,
		ErrUnspecifiedError,
		ErrImplementationSpecificError,
		ErrNotAuthorized,
		ErrTopicNameInvalid,
		ErrPacketIdentifierInUse,
		ErrQuotaExceeded,
		ErrPayloadFormatInvalid,
	)

	// SubackCodes are the reason codes which may be sent in a SUBACK packet.
	SubackCodes = newCodeSet(
		CodeGrantedQos0,
		CodeGrantedQos1,
		CodeGrantedQos2,
		ErrUnspecifiedError,
		ErrImplementationSpecificError,
		ErrNotAuthorized,
		ErrTopicFilterInvalid,
		ErrPacketIdentifierInUse,
		ErrQuotaExceeded,
		ErrSharedSubscriptionsNotSupported,
		ErrSubscriptionIdentifiersNotSupported,
		ErrWildcardSubscriptionsNotSupported,
	)

	// DisconnectCodes are the reason codes which the server may send in a DISCONNECT packet.
	DisconnectCodes = newCodeSet(
		CodeDisconnect,
		ErrUnspecifiedError,
		ErrMalformedPacket,
		ErrProtocolViolation,
		ErrImplementationSpecificError,
		ErrNotAuthorized,
		ErrServerBusy,
		ErrServerShuttingDown,
		ErrBadAuthenticationMethod,
		ErrKeepAliveTimeout,
		ErrSessionTakenOver,
		ErrTopicFilterInvalid,
		ErrTopicNameInvalid,
		ErrReceiveMaximum,
		ErrTopicAliasInvalid,
		ErrPacketTooLarge,
		ErrMessageRateTooHigh,
		ErrQuotaExceeded,
		ErrAdministrativeAction,
		ErrPayloadFormatInvalid,
		ErrRetainNotSupported,
		ErrQosNotSupported,
		ErrUseAnotherServer,
		ErrServerMoved,
		ErrSharedSubscriptionsNotSupported,
		ErrConnectionRateExceeded,
		ErrMaxConnectTime,
		ErrSubscriptionIdentifiersNotSupported,
		ErrWildcardSubscriptionsNotSupported,
	)
)

// V3ConnackCode returns the MQTT v3 CONNACK return code for a v5 reason code. Any
// error code without a direct mapping is reported as not authorized.
func V3ConnackCode(c Code) Code {
	if !c.IsError() {
		return Code{Code: 0x00}
	}

	if v3, ok := V5CodesToV3[c]; ok {
		return v3
	}

	for v5, v3 := range V5CodesToV3 {
		if v5.Code == c.Code {
			return v3
		}
	}

	return Err3NotAuthorized
}

// V3SubackCode returns the MQTT v3.1.1 SUBACK return code for a v5 reason code.
func V3SubackCode(c Code) Code {
	if c.IsError() {
		return Err3SubackFailure
	}

	return Code{Code: c.Code}
}
