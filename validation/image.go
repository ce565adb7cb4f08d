package validation

import "bytes"

type ImageType string

const (
	ImageTypePNG  ImageType = "png"
	ImageTypeJPEG ImageType = "jpeg"
)

var magicBytes = map[ImageType][]byte{
	ImageTypePNG:  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	ImageTypeJPEG: {0xFF, 0xD8, 0xFF},
}

// DetectImageType sniffs the signature of generated image bytes before
// they are decoded. Generation services occasionally return error JSON
// or truncated payloads with a 200.
func DetectImageType(data []byte) (ImageType, error) {
	for imageType, signature := range magicBytes {
		if bytes.HasPrefix(data, signature) {
			return imageType, nil
		}
	}
	return "", ErrInvalidImageData
}
