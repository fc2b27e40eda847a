package loxone_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestLoxone(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Loxone Session Suite")
}
