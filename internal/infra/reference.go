package infra

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// ImageReference is a repository:tag pair taken from the images table.
type ImageReference struct {
	Repository string
	Tag        string
}

// ParseImageReference splits s on its first colon. Both halves must be
// present, the repository must be a valid image name and the tag a valid tag.
func ParseImageReference(s string) (ImageReference, error) {
	repository, tag, ok := strings.Cut(s, ":")
	if !ok || repository == "" || tag == "" {
		return ImageReference{}, fmt.Errorf("image reference %q must have the form repository:tag", s)
	}

	named, err := reference.ParseNormalizedNamed(repository)
	if err != nil {
		return ImageReference{}, fmt.Errorf("invalid repository in %q: %w", s, err)
	}
	if _, err := reference.WithTag(named, tag); err != nil {
		return ImageReference{}, fmt.Errorf("invalid tag in %q: %w", s, err)
	}

	return ImageReference{Repository: repository, Tag: tag}, nil
}

func (r ImageReference) String() string {
	return r.Repository + ":" + r.Tag
}
