// Package audio defines the immutable sequenced chunk value and the builder
// that slices a continuous capture into bounded chunks.
package audio
