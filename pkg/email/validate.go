package email

import (
	"fmt"
	"regexp"
	"strings"
)

// emailRegex matches a basic email address shape: local part, @, domain with a TLD.
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Validate checks that the parameters are sufficient to send an email:
// a well-formed recipient address and non-empty subject and body.
func (p SendEmailParams) Validate() error {
	sendTo := strings.TrimSpace(p.SendTo)
	if sendTo == "" {
		return fmt.Errorf("%w: SendTo is required", ErrInvalidParams)
	}
	if !emailRegex.MatchString(sendTo) {
		return fmt.Errorf("%w: SendTo must be a valid email address", ErrInvalidParams)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: Subject is required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.BodyHTML) == "" {
		return fmt.Errorf("%w: BodyHTML is required", ErrInvalidParams)
	}
	return nil
}
