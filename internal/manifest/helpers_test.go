package manifest

import "pulsewatch/internal/identity"

func identityFor(patient, session string) identity.Identity {
	return identity.Identity{Patient: identity.ID(patient), Session: identity.ID(session), Device: "dev"}
}
