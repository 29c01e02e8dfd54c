package threading

import "strings"

// Party is one side of a conversation.
type Party struct {
	Name  string
	Email string
}

// IsAgent reports whether address is the support mailbox itself.
func IsAgent(address, agentAddress string) bool {
	return agentAddress != "" && strings.EqualFold(strings.TrimSpace(address), strings.TrimSpace(agentAddress))
}

// CustomerParty picks whichever party of a message is not the agent: the
// sender for customer mail, the recipient for agent mail.
func CustomerParty(from, to Party, agentAddress string) Party {
	if IsAgent(from.Email, agentAddress) {
		return to.Normalized()
	}
	return from.Normalized()
}

// Normalized trims both fields and lower-cases the email.
func (p Party) Normalized() Party {
	return Party{
		Name:  strings.TrimSpace(p.Name),
		Email: strings.ToLower(strings.TrimSpace(p.Email)),
	}
}
