package runner

import (
	"fmt"
	"strings"
)

// Per-entry metadata, in int_t words:
//
//	 0- 2 box lo        3- 5 box shape
//	 6    kind (0 = identity)  7 Lx  8 Ly
//	 9    src base     10-12 src fab lo  13-15 src fab shape
//	16    dst base     17-19 dst fab lo  20-22 dst fab shape
const metaStride = 23

const (
	remapKernel = "remapCopy"
	packKernel  = "packSend"
)

// Source-side index mapping; kind codes match transform.Kind
const remapBody = `
				switch (m[6]) {
				case 1: si = j; sj = -1 - i; break;
				case 2: si = -1 - j; sj = i; break;
				case 3: si = -1 - i; sj = m[8] - 1 - j; break;
				case 4:
				case 5: {
					const int_t lx = m[7];
					const int_t ly = m[8];
					si = (i < lx/2) ? -1 - i : 2*lx - 1 - i;
					if (m[6] == 4) {
						sj = (j < ly/2) ? j + ly/2 : j - ly/2;
					} else if (j < 0) {
						sj = j + ly/2;
					} else if (j >= ly) {
						sj = j - ly/2;
					} else if (j < ly/2) {
						sj = j - ly/2;
					} else {
						sj = j + ly/2;
					}
				} break;
				default: break;
				}`

const kernelTemplate = `
@kernel void %[1]s(const int_t total,
                   const int_t nEntries,
                   const int_t srcComp,
                   const int_t dstComp,
                   const int_t *prefix,
                   const int_t *meta,
                   const real_t *src,
                   real_t *dst) {
	for (int_t blk = 0; blk < (total + INNER - 1) / INNER; ++blk; @outer) {
		for (int_t t = 0; t < INNER; ++t; @inner) {
			const int_t e = blk * INNER + t;
			if (e < total) {
				int_t lo = 0;
				int_t hi = nEntries - 1;
				while (lo < hi) {
					const int_t mid = (lo + hi) / 2;
					if (prefix[mid + 1] > e) {
						hi = mid;
					} else {
						lo = mid + 1;
					}
				}
				const int_t *m = meta + lo * META_STRIDE;
				const int_t npts = m[3] * m[4] * m[5];
				const int_t r = e - prefix[lo];
				const int_t n = r / npts;
				const int_t c = r %% npts;
				const int_t i = m[0] + c %% m[3];
				const int_t j = m[1] + (c / m[3]) %% m[4];
				const int_t k = m[2] + c / (m[3] * m[4]);
				int_t si = i;
				int_t sj = j;
				int_t sk = k;
%[2]s
				const int_t s = m[9] + (si - m[10])
					+ m[13] * ((sj - m[11]) + m[14] * ((sk - m[12]) + m[15] * (srcComp + n)));
				const int_t d = m[16] + (i - m[17])
					+ m[20] * ((j - m[18]) + m[21] * ((k - m[19]) + m[22] * (dstComp + n)));
				dst[d] = src[s];
			}
		}
	}
}
`

// kernelSource generates the OKL for both kernels with the given inner width
func kernelSource(inner int) string {
	var sb strings.Builder
	sb.WriteString("typedef double real_t;\n")
	sb.WriteString("typedef long int_t;\n")
	sb.WriteString(fmt.Sprintf("#define INNER %d\n", inner))
	sb.WriteString(fmt.Sprintf("#define META_STRIDE %d\n", metaStride))
	sb.WriteString(fmt.Sprintf(kernelTemplate, remapKernel, remapBody))
	sb.WriteString(fmt.Sprintf(kernelTemplate, packKernel, "\t\t\t\t// raw copy"))
	return sb.String()
}
