package ctrfs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrfs/ctrutil"
	"github.com/connesc/ctrfs/keys"
)

const (
	ticketBodySize       = 0x210
	ticketCommonKeyCount = 6
)

// Ticket holds the encrypted title key of a title.
type Ticket struct {
	SignatureType     Hex32
	Signature         Hex `json:"-"`
	Issuer            string
	EncryptedTitleKey Hex
	TicketID          Hex64
	ConsoleID         Hex32
	TitleID           Hex64
	CommonKeyIndex    uint8
	CertsTrailer      bool

	Certificates []*Certificate `json:"-"`

	body []byte
}

// ParseTicket parses a ticket, optionally followed by the certificates needed to verify it.
func ParseTicket(input io.Reader) (*Ticket, error) {
	reader := ctrutil.NewReader(input)

	signatureType, signature, err := readSignature(reader)
	if err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}

	body, err := reader.ReadFull(ticketBodySize)
	if err != nil {
		return nil, fmt.Errorf("ticket: failed to read body: %w", err)
	}

	ticket := &Ticket{
		SignatureType:     Hex32(signatureType),
		Signature:         signature,
		Issuer:            cString(body[:0x40]),
		EncryptedTitleKey: body[0x7f:0x8f],
		TicketID:          Hex64(binary.BigEndian.Uint64(body[0x90:])),
		ConsoleID:         Hex32(binary.BigEndian.Uint32(body[0x98:])),
		TitleID:           Hex64(binary.BigEndian.Uint64(body[0x9c:])),
		CommonKeyIndex:    body[0xb1],
		body:              body,
	}
	if ticket.CommonKeyIndex >= ticketCommonKeyCount {
		return nil, fmt.Errorf("ticket: %w: common key index must be less than %d, got %d", ctrutil.ErrInvalidFormat, ticketCommonKeyCount, ticket.CommonKeyIndex)
	}

	ticket.Certificates, err = readCertsTrailer(reader)
	if err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}
	ticket.CertsTrailer = len(ticket.Certificates) > 0
	return ticket, nil
}

// TitleKey decrypts the title key with the common key selected by the ticket. The IV is the
// big-endian title id, padded with zeros.
func (t *Ticket) TitleKey(store keys.CommonKeyStore) (keys.Key, error) {
	var titleKey keys.Key
	if store == nil {
		return titleKey, fmt.Errorf("ticket: %w: no key store", ctrutil.ErrEncryptionUnavailable)
	}
	commonKey, ok := store.CommonKey(t.CommonKeyIndex)
	if !ok {
		return titleKey, fmt.Errorf("ticket: %w: common key %d is missing", ctrutil.ErrEncryptionUnavailable, t.CommonKeyIndex)
	}

	block, err := aes.NewCipher(commonKey[:])
	if err != nil {
		return titleKey, fmt.Errorf("ticket: failed to initialize title key decryption: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv, uint64(t.TitleID))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(titleKey[:], t.EncryptedTitleKey)
	return titleKey, nil
}

// Verify checks the signature of the ticket against certs, or against its own certs trailer
// when certs is empty.
func (t *Ticket) Verify(certs []*Certificate) error {
	if len(certs) == 0 {
		certs = t.Certificates
	}
	if err := verifyChain(t.Issuer, uint32(t.SignatureType), t.Signature, t.body, certs); err != nil {
		return fmt.Errorf("ticket: %w", err)
	}
	return nil
}
