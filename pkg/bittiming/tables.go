package bittiming

// nominal builds an arbitration entry, prop seg and SJW are fixed at 1.
func nominal(clk, bitrate, dataBitrate uint32, sp, brp, ps1, ps2 uint16) Entry {
	return Entry{
		BaseClock:   clk,
		Bitrate:     bitrate,
		DataBitrate: dataBitrate,
		SamplePoint: sp,
		Prescaler:   brp,
		PropSeg:     1,
		PhaseSeg1:   ps1,
		PhaseSeg2:   ps2,
		SJW:         1,
	}
}

func data(clk, bitrate uint32, sp, brp, ps1, ps2, sjw uint16) Entry {
	return Entry{
		BaseClock:   clk,
		Bitrate:     bitrate,
		SamplePoint: sp,
		Prescaler:   brp,
		PropSeg:     1,
		PhaseSeg1:   ps1,
		PhaseSeg2:   ps2,
		SJW:         sjw,
	}
}

// 170MHz controllers (CANable 2.0 class).
// Tseg1: 2..256 Tseg2: 2..128 sjw: 1..128 brp: 1..512
var arb170MHz = []Entry{
	nominal(170000000, 10000, 2000000, 875, 68, 217, 31),
	nominal(170000000, 20000, 4000000, 875, 34, 217, 31),
	nominal(170000000, 50000, 5000000, 875, 17, 173, 25),
	nominal(170000000, 83333, 8000000, 875, 8, 221, 32),
	nominal(170000000, 100000, 0, 875, 10, 147, 21),
	nominal(170000000, 125000, 0, 875, 8, 147, 21),
	nominal(170000000, 250000, 0, 875, 4, 147, 21),
	nominal(170000000, 500000, 0, 875, 2, 147, 21),
	nominal(170000000, 1000000, 0, 875, 1, 147, 21),
}

// 80MHz FD controllers.
var arb80MHz = []Entry{
	// sample point: 75.0%
	nominal(80000000, 10000, 2000000, 750, 500, 10, 4),
	nominal(80000000, 20000, 4000000, 750, 250, 10, 4),
	nominal(80000000, 50000, 5000000, 750, 100, 10, 4),
	nominal(80000000, 83333, 8000000, 750, 60, 10, 4),
	nominal(80000000, 100000, 0, 750, 50, 10, 4),
	nominal(80000000, 125000, 0, 750, 40, 10, 4),
	nominal(80000000, 250000, 0, 750, 20, 10, 4),
	nominal(80000000, 500000, 0, 750, 10, 10, 4),
	nominal(80000000, 800000, 0, 750, 5, 13, 5),
	nominal(80000000, 1000000, 0, 750, 5, 10, 4),

	// sample point: 87.5%
	nominal(80000000, 10000, 2000000, 875, 500, 12, 2),
	nominal(80000000, 20000, 4000000, 875, 250, 12, 2),
	nominal(80000000, 50000, 5000000, 875, 100, 12, 2),
	nominal(80000000, 83333, 8000000, 875, 60, 12, 2),
	nominal(80000000, 100000, 0, 875, 50, 12, 2),
	nominal(80000000, 125000, 0, 875, 40, 12, 2),
	nominal(80000000, 250000, 0, 875, 20, 12, 2),
	nominal(80000000, 500000, 0, 875, 10, 12, 2),
	nominal(80000000, 800000, 0, 900, 5, 16, 2),
	nominal(80000000, 1000000, 0, 875, 5, 12, 2),
}

// 48MHz controllers (CANable 0.x).
var arb48MHz = []Entry{
	// sample point: 50.0%
	nominal(48000000, 10000, 2000000, 500, 300, 6, 8),
	nominal(48000000, 20000, 4000000, 500, 150, 6, 8),
	nominal(48000000, 50000, 5000000, 500, 60, 6, 8),
	nominal(48000000, 83333, 8000000, 500, 36, 6, 8),
	nominal(48000000, 100000, 0, 500, 30, 6, 8),
	nominal(48000000, 125000, 0, 500, 24, 6, 8),
	nominal(48000000, 250000, 0, 500, 12, 6, 8),
	nominal(48000000, 500000, 0, 500, 6, 6, 8),
	nominal(48000000, 800000, 0, 500, 3, 8, 9),
	nominal(48000000, 1000000, 0, 500, 3, 6, 8),

	// sample point: 62.5%
	nominal(48000000, 10000, 2000000, 625, 300, 8, 6),
	nominal(48000000, 20000, 4000000, 625, 150, 8, 6),
	nominal(48000000, 50000, 5000000, 625, 60, 8, 6),
	nominal(48000000, 83333, 8000000, 625, 36, 8, 6),
	nominal(48000000, 100000, 0, 625, 30, 8, 6),
	nominal(48000000, 125000, 0, 625, 24, 8, 6),
	nominal(48000000, 250000, 0, 625, 12, 8, 6),
	nominal(48000000, 500000, 0, 625, 6, 8, 6),
	nominal(48000000, 800000, 0, 600, 4, 7, 6),
	nominal(48000000, 1000000, 0, 625, 3, 8, 6),

	// sample point: 75.0%
	nominal(48000000, 10000, 2000000, 750, 300, 10, 4),
	nominal(48000000, 20000, 4000000, 750, 150, 10, 4),
	nominal(48000000, 50000, 5000000, 750, 60, 10, 4),
	nominal(48000000, 83333, 8000000, 750, 36, 10, 4),
	nominal(48000000, 100000, 0, 750, 30, 10, 4),
	nominal(48000000, 125000, 0, 750, 24, 10, 4),
	nominal(48000000, 250000, 0, 750, 12, 10, 4),
	nominal(48000000, 500000, 0, 750, 6, 10, 4),
	nominal(48000000, 800000, 0, 750, 3, 13, 5),
	nominal(48000000, 1000000, 0, 750, 3, 10, 4),

	// sample point: 87.5%
	nominal(48000000, 10000, 2000000, 875, 300, 12, 2),
	nominal(48000000, 20000, 4000000, 875, 150, 12, 2),
	nominal(48000000, 50000, 5000000, 875, 60, 12, 2),
	nominal(48000000, 83333, 8000000, 875, 36, 12, 2),
	nominal(48000000, 100000, 0, 875, 30, 12, 2),
	nominal(48000000, 125000, 0, 875, 24, 12, 2),
	nominal(48000000, 250000, 0, 875, 12, 12, 2),
	nominal(48000000, 500000, 0, 875, 6, 12, 2),
	nominal(48000000, 800000, 0, 867, 4, 11, 2),
	nominal(48000000, 1000000, 0, 875, 3, 12, 2),
}

// 16MHz controllers.
var arb16MHz = []Entry{
	// sample point: 50.0%
	nominal(16000000, 10000, 2000000, 520, 64, 11, 12),
	nominal(16000000, 20000, 4000000, 500, 50, 6, 8),
	nominal(16000000, 50000, 5000000, 500, 20, 6, 8),
	nominal(16000000, 83333, 8000000, 500, 12, 6, 8),
	nominal(16000000, 100000, 0, 500, 10, 6, 8),
	nominal(16000000, 125000, 0, 500, 8, 6, 8),
	nominal(16000000, 250000, 0, 500, 4, 6, 8),
	nominal(16000000, 500000, 0, 500, 2, 6, 8),
	nominal(16000000, 800000, 0, 500, 1, 8, 10),
	nominal(16000000, 1000000, 0, 500, 1, 6, 8),

	// sample point: 62.5%
	nominal(16000000, 10000, 2000000, 625, 64, 14, 9),
	nominal(16000000, 20000, 4000000, 625, 50, 8, 6),
	nominal(16000000, 50000, 5000000, 625, 20, 8, 6),
	nominal(16000000, 83333, 8000000, 625, 12, 8, 6),
	nominal(16000000, 100000, 0, 625, 10, 8, 6),
	nominal(16000000, 125000, 0, 625, 8, 8, 6),
	nominal(16000000, 250000, 0, 625, 4, 8, 6),
	nominal(16000000, 500000, 0, 625, 2, 8, 6),
	nominal(16000000, 800000, 0, 625, 1, 11, 7),
	nominal(16000000, 1000000, 0, 625, 1, 8, 6),

	// sample point: 75.0%
	nominal(16000000, 20000, 2000000, 750, 50, 10, 4),
	nominal(16000000, 50000, 4000000, 750, 20, 10, 4),
	nominal(16000000, 83333, 5000000, 750, 12, 10, 4),
	nominal(16000000, 100000, 8000000, 750, 10, 10, 4),
	nominal(16000000, 125000, 0, 750, 8, 10, 4),
	nominal(16000000, 250000, 0, 750, 4, 10, 4),
	nominal(16000000, 500000, 0, 750, 2, 10, 4),
	nominal(16000000, 800000, 0, 750, 1, 13, 5),
	nominal(16000000, 1000000, 0, 750, 1, 10, 4),

	// sample point: 87.5%
	nominal(16000000, 20000, 2000000, 875, 50, 12, 2),
	nominal(16000000, 50000, 4000000, 875, 20, 12, 2),
	nominal(16000000, 83333, 5000000, 875, 12, 12, 2),
	nominal(16000000, 100000, 8000000, 875, 10, 12, 2),
	nominal(16000000, 125000, 0, 875, 8, 12, 2),
	nominal(16000000, 250000, 0, 875, 4, 12, 2),
	nominal(16000000, 500000, 0, 875, 2, 12, 2),
	nominal(16000000, 800000, 0, 900, 2, 7, 1),
	nominal(16000000, 1000000, 0, 875, 1, 12, 2),
}

// FD data phase, 80MHz.
var data80MHz = []Entry{
	data(80000000, 1000000, 750, 2, 28, 10, 4),
	data(80000000, 1000000, 800, 2, 30, 8, 4),
	data(80000000, 2000000, 750, 1, 28, 10, 4),
	data(80000000, 2000000, 800, 1, 30, 8, 4),
	data(80000000, 4000000, 750, 1, 13, 5, 4),
	data(80000000, 4000000, 800, 1, 14, 4, 4),
	data(80000000, 5000000, 750, 1, 10, 4, 4),
	data(80000000, 8000000, 700, 1, 5, 3, 3),
	data(80000000, 8000000, 800, 1, 6, 2, 2),
}

// FD data phase, 170MHz. 4 and 8 Mbit/s do not divide the clock.
var data170MHz = []Entry{
	data(170000000, 1000000, 750, 2, 62, 21, 4),
	data(170000000, 1000000, 800, 2, 66, 17, 4),
	data(170000000, 2000000, 750, 1, 62, 21, 4),
	data(170000000, 2000000, 800, 1, 66, 17, 4),
	data(170000000, 5000000, 750, 1, 24, 8, 4),
	data(170000000, 5000000, 800, 1, 25, 7, 4),
}
